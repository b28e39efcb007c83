package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/runner"
)

func recv(t *testing.T, ch <-chan runner.Event) runner.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return runner.Event{}
	}
}

func TestBrokerFiltersByRun(t *testing.T) {
	b := NewBroker()
	all, cancelAll := b.Subscribe("", 8)
	defer cancelAll()
	one, cancelOne := b.Subscribe("run-1", 8)
	defer cancelOne()

	b.Emit(runner.Event{RunID: "run-2", Type: runner.EventStageStarted})
	b.Emit(runner.Event{RunID: "run-1", Type: runner.EventStageLog})

	assert.Equal(t, "run-2", recv(t, all).RunID)
	assert.Equal(t, "run-1", recv(t, all).RunID)
	assert.Equal(t, runner.EventStageLog, recv(t, one).Type)
	assert.Empty(t, one)
}

func TestBrokerReplaysHistory(t *testing.T) {
	b := NewBroker()
	b.Emit(runner.Event{RunID: "r", Type: runner.EventRunStarted})
	b.Emit(runner.Event{RunID: "r", Type: runner.EventStageStarted})

	ch, cancel := b.Subscribe("r", 8)
	defer cancel()
	assert.Equal(t, runner.EventRunStarted, recv(t, ch).Type)
	assert.Equal(t, runner.EventStageStarted, recv(t, ch).Type)
	assert.Len(t, b.History("r"), 2)
}

func TestBrokerDropsWhenFullAndCancelCloses(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("", 1)
	b.Emit(runner.Event{RunID: "r", Type: runner.EventStageLog})
	b.Emit(runner.Event{RunID: "r", Type: runner.EventStageLog})
	assert.Len(t, ch, 1)

	cancel()
	cancel()
	<-ch
	_, open := <-ch
	assert.False(t, open)
	b.Emit(runner.Event{RunID: "r", Type: runner.EventStageLog})
}

func TestBrokerForgetsCompletedRuns(t *testing.T) {
	b := NewBroker()
	b.retention = 10 * time.Millisecond
	b.Emit(runner.Event{RunID: "r", Type: runner.EventRunStarted})
	b.Emit(runner.Event{RunID: "r", Type: runner.EventRunCompleted})
	require.Len(t, b.History("r"), 2)

	assert.Eventually(t, func() bool { return len(b.History("r")) == 0 }, time.Second, 5*time.Millisecond)
}
