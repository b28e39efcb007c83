// Package progress fans pipeline events out to live subscribers and, optionally,
// to a Redis pub/sub channel.
package progress

import (
	"strings"
	"sync"
	"time"

	"reportflow/internal/runner"
)

const (
	completedRunRetention = 30 * time.Second
	maxHistoryPerRun      = 512
)

type subscriber struct {
	runID string
	ch    chan runner.Event
}

// Broker keeps per-run event history and delivers new events to subscribers.
// Delivery never blocks: a subscriber whose buffer is full misses events.
type Broker struct {
	mu        sync.RWMutex
	history   map[string][]runner.Event
	subs      map[int]*subscriber
	next      int
	retention time.Duration
}

func NewBroker() *Broker {
	return &Broker{
		history:   make(map[string][]runner.Event),
		subs:      make(map[int]*subscriber),
		retention: completedRunRetention,
	}
}

// Emit implements runner.Emitter.
func (b *Broker) Emit(e runner.Event) {
	runID := strings.TrimSpace(e.RunID)
	b.mu.Lock()
	if runID != "" {
		h := append(b.history[runID], e)
		if len(h) > maxHistoryPerRun {
			h = h[len(h)-maxHistoryPerRun:]
		}
		b.history[runID] = h
	}
	for _, s := range b.subs {
		if s.runID != "" && s.runID != runID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
	b.mu.Unlock()

	if runID != "" && terminal(e.Type) {
		b.ScheduleCleanup(runID)
	}
}

// Subscribe registers a listener. An empty runID receives every event. When a
// runID is given, the run's history is replayed first, as far as the buffer allows.
// cancel closes the channel and must be called once.
func (b *Broker) Subscribe(runID string, size int) (events <-chan runner.Event, cancel func()) {
	if size <= 0 {
		size = 1
	}
	runID = strings.TrimSpace(runID)
	ch := make(chan runner.Event, size)

	b.mu.Lock()
	if runID != "" {
		for _, e := range b.history[runID] {
			select {
			case ch <- e:
			default:
			}
		}
	}
	id := b.next
	b.next++
	b.subs[id] = &subscriber{runID: runID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// History returns the retained events of a run.
func (b *Broker) History(runID string) []runner.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]runner.Event(nil), b.history[strings.TrimSpace(runID)]...)
}

// ScheduleCleanup drops a run's history after the retention period.
func (b *Broker) ScheduleCleanup(runID string) {
	time.AfterFunc(b.retention, func() {
		b.mu.Lock()
		delete(b.history, strings.TrimSpace(runID))
		b.mu.Unlock()
	})
}

func terminal(t runner.EventType) bool {
	switch t {
	case runner.EventRunCompleted, runner.EventRunFailed, runner.EventBatchCompleted, runner.EventRescoreCompleted:
		return true
	}
	return false
}
