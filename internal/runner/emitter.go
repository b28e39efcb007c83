package runner

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names a progress event. Values are stable identifiers consumed by clients.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
	EventStageStarted     EventType = "stage_started"
	EventStagePID         EventType = "stage_pid"
	EventStageHeartbeat   EventType = "stage_heartbeat"
	EventStageWarning     EventType = "stage_warning"
	EventStageLog         EventType = "stage_log"
	EventStageFinished    EventType = "stage_finished"
	EventBatchStarted     EventType = "batch_started"
	EventBatchFileStarted EventType = "batch_file_started"
	EventBatchFileDone    EventType = "batch_file_finished"
	EventBatchCompleted   EventType = "batch_completed"
	EventRescoreStarted   EventType = "rescore_started"
	EventRescoreCompleted EventType = "rescore_completed"
)

// Event is one progress notification. Payload keys are flattened into the JSON
// object next to the envelope fields.
type Event struct {
	RunID   string
	TS      time.Time
	Type    EventType
	StageID string
	PDFPath string
	Payload map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["runId"] = e.RunID
	out["ts"] = e.TS.UTC().Format(time.RFC3339Nano)
	out["event"] = string(e.Type)
	if e.StageID != "" {
		out["stageId"] = e.StageID
	}
	if e.PDFPath != "" {
		out["pdfPath"] = e.PDFPath
	}
	return json.Marshal(out)
}

// Emitter receives progress events. Implementations must be safe for concurrent use:
// stdout and stderr chunks of a stage arrive from different goroutines.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// ChannelEmitter sends events to a channel without blocking; events are dropped
// when the channel is full so a slow observer never stalls a stage.
type ChannelEmitter struct {
	Ch chan<- Event
}

func (e *ChannelEmitter) Emit(event Event) {
	select {
	case e.Ch <- event:
	default:
	}
}

// Multi fans an event out to every non-nil emitter.
func Multi(emitters ...Emitter) Emitter {
	list := make([]Emitter, 0, len(emitters))
	for _, em := range emitters {
		if em != nil {
			list = append(list, em)
		}
	}
	return EmitterFunc(func(e Event) {
		for _, em := range list {
			em.Emit(e)
		}
	})
}

// Recorder keeps every event in memory. Tests and the CLI summary use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of the given type, in order.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Scoped stamps every event with a run id and pdf path before forwarding it.
type Scoped struct {
	RunID   string
	PDFPath string
	Next    Emitter
	Now     func() time.Time
}

func (s Scoped) Emit(e Event) {
	if s.Next == nil {
		return
	}
	if e.RunID == "" {
		e.RunID = s.RunID
	}
	if e.PDFPath == "" {
		e.PDFPath = s.PDFPath
	}
	if e.TS.IsZero() {
		if s.Now != nil {
			e.TS = s.Now()
		} else {
			e.TS = time.Now()
		}
	}
	s.Next.Emit(e)
}

// Send is a shorthand for emitting a typed event with a payload.
func (s Scoped) Send(t EventType, stageID string, payload map[string]any) {
	s.Emit(Event{Type: t, StageID: stageID, Payload: payload})
}
