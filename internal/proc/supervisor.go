// Package proc supervises one external command: it streams output to callbacks,
// enforces a timeout with SIGTERM→SIGKILL escalation and reports the exit status.
package proc

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultKillGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// pipeDrainDelay bounds how long Wait keeps reading after the process exits while
// a grandchild still holds stdout/stderr open.
const pipeDrainDelay = 2 * time.Second

// Options configures one Run. All callbacks are optional and may be invoked from
// goroutines other than the caller's.
type Options struct {
	Dir       string
	Env       []string // nil inherits the parent environment
	Timeout   time.Duration
	KillGrace time.Duration
	OnStart   func(pid int)
	OnStdout  func(chunk string)
	OnStderr  func(chunk string)
	OnTimeout func(timeout time.Duration)
}

// Result is the outcome of a supervised command. Code is nil when the process was
// terminated by a signal or never started.
type Result struct {
	OK       bool     `json:"ok"`
	TimedOut bool     `json:"timedOut"`
	Code     *int     `json:"code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Cmd      []string `json:"cmd"`
	Err      error    `json:"-"`
}

// Run executes name with args and blocks until it exits or is killed. OK is true
// iff the exit code is 0 and no timeout occurred. Cancelling ctx triggers the same
// SIGTERM→SIGKILL escalation as a timeout but does not mark the result TimedOut.
func Run(ctx context.Context, name string, args []string, opts Options) Result {
	res := Result{Cmd: append([]string{name}, args...)}

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	setProcessGroup(cmd)
	stdout := &streamBuffer{onChunk: opts.OnStdout}
	stderr := &streamBuffer{onChunk: opts.OnStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		res.Err = err
		res.Stderr = err.Error()
		return res
	}
	if opts.OnStart != nil {
		opts.OnStart(cmd.Process.Pid)
	}

	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	done := make(chan struct{})
	var (
		timedOut  atomic.Bool
		terminate sync.Once
	)
	escalate := func() {
		terminate.Do(func() {
			_ = signalGroup(cmd, syscall.SIGTERM)
			kill := time.NewTimer(grace)
			go func() {
				defer kill.Stop()
				select {
				case <-done:
				case <-kill.C:
					_ = signalGroup(cmd, syscall.SIGKILL)
				}
			}()
		})
	}

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, func() {
			select {
			case <-done:
				return
			default:
			}
			timedOut.Store(true)
			if opts.OnTimeout != nil {
				opts.OnTimeout(opts.Timeout)
			}
			escalate()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			escalate()
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.TimedOut = timedOut.Load()
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			res.Code = &code
		}
	}
	if waitErr != nil && res.Code == nil {
		res.Err = waitErr
	}
	res.OK = !res.TimedOut && res.Code != nil && *res.Code == 0
	return res
}

// CommandLine renders argv for logs and events.
func (r Result) CommandLine() string {
	return strings.Join(r.Cmd, " ")
}

// streamBuffer forwards each write to a callback as it arrives and keeps the full text.
type streamBuffer struct {
	mu      sync.Mutex
	buf     strings.Builder
	onChunk func(string)
}

func (b *streamBuffer) Write(p []byte) (int, error) {
	chunk := string(p)
	b.mu.Lock()
	b.buf.WriteString(chunk)
	b.mu.Unlock()
	if b.onChunk != nil && chunk != "" {
		b.onChunk(chunk)
	}
	return len(p), nil
}

func (b *streamBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
