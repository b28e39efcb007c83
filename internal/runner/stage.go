package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reportflow/internal/logging"
	"reportflow/internal/proc"
)

// DefaultHeartbeatInterval is the cadence of stage_heartbeat events.
const DefaultHeartbeatInterval = 15 * time.Second

// Stage describes one external-tool invocation of a run.
type Stage struct {
	ID      string
	Command string
	Args    []string
	Output  string        // artifact the tool is expected to produce
	Timeout time.Duration // 0 disables the timeout
	Hint    string        // shown in heartbeats while the tool runs
}

// StageResult is the immutable record of one stage invocation.
type StageResult struct {
	ID         string   `json:"id"`
	OK         bool     `json:"ok"`
	Code       *int     `json:"code"`
	TimedOut   bool     `json:"timedOut"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Output     string   `json:"output"`
	Cmd        []string `json:"cmd"`
	DurationMs int64    `json:"durationMs"`
}

// StageObserver is notified once per finished stage (metrics).
type StageObserver interface {
	ObserveStage(stageID string, ok, timedOut bool, d time.Duration)
}

// StageRunner runs stages for a single run and reports their lifecycle.
type StageRunner struct {
	Events            Scoped
	Dir               string
	Env               []string
	HeartbeatInterval time.Duration
	KillGrace         time.Duration
	Logger            *slog.Logger
	Observer          StageObserver
}

// Run blocks until the stage's process exits or is killed.
func (r *StageRunner) Run(ctx context.Context, st Stage) StageResult {
	log := r.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("run_id", r.Events.RunID, "stage_id", st.ID)

	argv := append([]string{st.Command}, st.Args...)
	r.Events.Send(EventStageStarted, st.ID, map[string]any{
		"cmd":       argv,
		"output":    st.Output,
		"timeoutMs": st.Timeout.Milliseconds(),
	})
	log.Info("stage started", "cmd", argv)

	start := time.Now()
	stopBeat := r.startHeartbeat(st, start)
	res := proc.Run(ctx, st.Command, st.Args, proc.Options{
		Dir:       r.Dir,
		Env:       r.Env,
		Timeout:   st.Timeout,
		KillGrace: r.KillGrace,
		OnStart: func(pid int) {
			r.Events.Send(EventStagePID, st.ID, map[string]any{"pid": pid})
		},
		OnStdout: func(chunk string) {
			r.Events.Send(EventStageLog, st.ID, map[string]any{"stream": "stdout", "chunk": chunk})
		},
		OnStderr: func(chunk string) {
			r.Events.Send(EventStageLog, st.ID, map[string]any{"stream": "stderr", "chunk": chunk})
		},
		OnTimeout: func(timeout time.Duration) {
			msg := fmt.Sprintf("stage %s exceeded %s; sending SIGTERM", st.ID, timeout)
			r.Events.Send(EventStageWarning, st.ID, map[string]any{
				"message":   msg,
				"timeoutMs": timeout.Milliseconds(),
			})
			log.Warn("stage timed out", "timeout", timeout)
		},
	})
	stopBeat()
	elapsed := time.Since(start)

	out := StageResult{
		ID:         st.ID,
		OK:         res.OK,
		Code:       res.Code,
		TimedOut:   res.TimedOut,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Output:     st.Output,
		Cmd:        res.Cmd,
		DurationMs: elapsed.Milliseconds(),
	}
	r.Events.Send(EventStageFinished, st.ID, map[string]any{
		"ok":         out.OK,
		"code":       out.Code,
		"timedOut":   out.TimedOut,
		"output":     out.Output,
		"durationMs": out.DurationMs,
	})
	if out.OK {
		log.Info("stage finished", "duration", elapsed)
	} else {
		log.Warn("stage failed", "code", codeString(out.Code), "timed_out", out.TimedOut, "err", res.Err)
	}
	if r.Observer != nil {
		r.Observer.ObserveStage(st.ID, out.OK, out.TimedOut, elapsed)
	}
	return out
}

// startHeartbeat emits stage_heartbeat until the returned stop function is called.
// stop waits for the ticker goroutine so no heartbeat can follow stage_finished.
func (r *StageRunner) startHeartbeat(st Stage, start time.Time) (stop func()) {
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	hint := st.Hint
	if hint == "" {
		hint = "still running"
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				elapsed := int64(time.Since(start) / time.Second)
				r.Events.Send(EventStageHeartbeat, st.ID, map[string]any{
					"elapsedSec": elapsed,
					"hint":       fmt.Sprintf("%s (%ds elapsed)", hint, elapsed),
				})
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// Tail returns the last n bytes of s, trimmed to a rune boundary.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && (s[cut]&0xC0) == 0x80 {
		cut++
	}
	return s[cut:]
}

func codeString(code *int) string {
	if code == nil {
		return "null"
	}
	return fmt.Sprint(*code)
}
