package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"reportflow/internal/runner"
)

// StageErrorTail is how much captured output a StageError carries.
const StageErrorTail = 2000

var ErrNoRawExtraction = errors.New("report has no raw_extraction")

// StageError reports a stage failure that aborted a run or rescore.
type StageError struct {
	StageID string
	Reason  string
	Result  runner.StageResult
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s failed", e.StageID)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	} else if e.Result.TimedOut {
		b.WriteString(": timed out")
	} else if e.Result.Code != nil {
		fmt.Fprintf(&b, ": exit code %d", *e.Result.Code)
	}
	if tail := e.Tail(); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}

// Tail is the end of stderr, or of stdout when stderr is empty.
func (e *StageError) Tail() string {
	out := strings.TrimSpace(e.Result.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Result.Stdout)
	}
	return runner.Tail(out, StageErrorTail)
}

func stageFailed(res runner.StageResult, reason string) error {
	return &StageError{StageID: res.ID, Reason: reason, Result: res}
}
