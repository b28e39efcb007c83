package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reportflow/internal/runner"
	"reportflow/internal/util/slug"
)

// run is the state of one sequential chain of stages.
type run struct {
	o       *Orchestrator
	id      string
	pdf     string
	dir     string
	base    string
	events  runner.Scoped
	stages  *runner.StageRunner
	results []runner.StageResult
	log     *slog.Logger
}

func (o *Orchestrator) newRun(runID, pdfPath string, batch bool) *run {
	if strings.TrimSpace(runID) == "" {
		runID = uuid.NewString()
	}
	events := runner.Scoped{RunID: runID, PDFPath: pdfPath, Next: o.events, Now: o.now}
	r := &run{
		o:      o,
		id:     runID,
		pdf:    pdfPath,
		dir:    filepath.Join(o.cfg.RunsDir, runID),
		base:   slug.Stem(pdfPath),
		events: events,
		log:    o.log.With("run_id", runID),
	}
	if r.base == "" {
		r.base = "document"
	}
	r.stages = &runner.StageRunner{
		Events:            events,
		Dir:               o.cfg.Home,
		Env:               o.cfg.RunEnv(batch),
		HeartbeatInterval: o.cfg.HeartbeatInterval,
		KillGrace:         o.cfg.KillGrace,
		Logger:            o.log,
	}
	if o.metrics != nil {
		r.stages.Observer = o.metrics
	}
	return r
}

// path names a file of this run: <dir>/<base><suffix>.
func (r *run) path(suffix string) string {
	return filepath.Join(r.dir, r.base+suffix)
}

// tool builds the stage for a configured tool with the stage flags appended.
func (r *run) tool(id, output, hint string, args ...string) runner.Stage {
	spec := r.o.cfg.Tool(id)
	argv := make([]string, 0, len(spec.Args)+len(args))
	argv = append(argv, spec.Args...)
	argv = append(argv, args...)
	return runner.Stage{
		ID:      id,
		Command: spec.Command,
		Args:    argv,
		Output:  output,
		Timeout: spec.Timeout,
		Hint:    hint,
	}
}

// exec runs st and records its result. The error is non-nil only when ctx was
// cancelled, so soft-fail stages do not carry on after a cancellation.
func (r *run) exec(ctx context.Context, st runner.Stage) (runner.StageResult, error) {
	res := r.stages.Run(ctx, st)
	r.results = append(r.results, res)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("run %s cancelled during %s: %w", r.id, st.ID, err)
	}
	return res, nil
}

func (r *run) warn(stageID, msg string) {
	r.events.Send(runner.EventStageWarning, stageID, map[string]any{"message": msg})
	r.log.Warn(msg, "stage_id", stageID)
}

func (r *run) fail(err error) {
	payload := map[string]any{"error": err.Error()}
	stageID := ""
	var se *StageError
	if errors.As(err, &se) {
		stageID = se.StageID
	}
	r.events.Send(runner.EventRunFailed, stageID, payload)
	r.log.Error("run failed", "stage_id", stageID, "err", err)
}

// output joins the captured stdout and stderr of every stage, labelled by stage.
func (r *run) output() (stdout, stderr string) {
	var out, errOut strings.Builder
	for _, res := range r.results {
		if s := strings.TrimSpace(res.Stdout); s != "" {
			fmt.Fprintf(&out, "[%s]\n%s\n", res.ID, s)
		}
		if s := strings.TrimSpace(res.Stderr); s != "" {
			fmt.Fprintf(&errOut, "[%s]\n%s\n", res.ID, s)
		}
	}
	return out.String(), errOut.String()
}
