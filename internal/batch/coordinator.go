// Package batch registers the PDFs found in the reports directory and runs the
// pipeline for every one that has no report yet.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reportflow/internal/config"
	"reportflow/internal/logging"
	"reportflow/internal/pipeline"
	"reportflow/internal/registry"
	"reportflow/internal/runner"
	"reportflow/internal/safeio"
)

type Registry interface {
	Ensure() ([]registry.Entry, error)
	AddPaths(paths []string) (registry.AddResult, error)
	Upsert(pdfPath string, patch registry.Patch) (registry.Entry, error)
}

// Runner runs the pipeline for one PDF.
type Runner interface {
	RunForPDF(ctx context.Context, pdfPath string, opts pipeline.RunOptions) (*pipeline.RunResult, error)
}

// RunObserver is told how a whole batch went.
type RunObserver interface {
	ObserveRun(kind string, ok bool, d time.Duration)
}

type Options struct {
	AutoRunMissing bool
}

// RunRecord is one item of a batch.
type RunRecord struct {
	OK         bool   `json:"ok"`
	PDFPath    string `json:"pdfPath"`
	ReportPath string `json:"reportPath,omitempty"`
	Error      string `json:"error,omitempty"`
	RunID      string `json:"runId"`
}

type Result struct {
	BatchRunID         string           `json:"batchRunId,omitempty"`
	DiscoveredPDFCount int              `json:"discoveredPdfCount"`
	MissingBeforeRun   int              `json:"missingBeforeRun"`
	Ran                int              `json:"ran"`
	BatchMode          bool             `json:"batchMode"`
	Runs               []RunRecord      `json:"runs"`
	Files              []registry.Entry `json:"files"`
}

type Coordinator struct {
	cfg      *config.Config
	reg      Registry
	runner   Runner
	events   runner.Emitter
	matcher  Matcher
	limiter  *rate.Limiter
	observer RunObserver
	log      *slog.Logger
}

func New(cfg *config.Config, reg Registry, run Runner, events runner.Emitter, logger *slog.Logger) *Coordinator {
	if events == nil {
		events = runner.Discard
	}
	c := &Coordinator{
		cfg:     cfg,
		reg:     reg,
		runner:  run,
		events:  events,
		matcher: Matcher{Threshold: cfg.FuzzyMatchThreshold},
		log:     logging.Component(logger, "batch"),
	}
	if cfg.BatchMinInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.BatchMinInterval), 1)
	}
	return c
}

// WithObserver sets the batch-level metrics sink.
func (c *Coordinator) WithObserver(o RunObserver) *Coordinator {
	c.observer = o
	return c
}

// Bootstrap discovers PDFs, links reports that already exist and, when
// opts.AutoRunMissing is set, runs the pipeline sequentially over the rest.
// Per-item failures are recorded and never abort the batch.
func (c *Coordinator) Bootstrap(ctx context.Context, opts Options) (*Result, error) {
	pdfs, err := c.discover()
	if err != nil {
		return nil, err
	}
	if _, err := c.reg.AddPaths(pdfs); err != nil {
		return nil, fmt.Errorf("register pdfs: %w", err)
	}
	entries, err := c.reg.Ensure()
	if err != nil {
		return nil, err
	}
	c.linkExistingReports(entries)

	if entries, err = c.reg.Ensure(); err != nil {
		return nil, err
	}
	missing := missingReports(entries)
	res := &Result{
		DiscoveredPDFCount: len(pdfs),
		MissingBeforeRun:   len(missing),
		Runs:               []RunRecord{},
	}
	c.log.Info("bootstrap", "discovered", len(pdfs), "missing", len(missing), "auto_run", opts.AutoRunMissing)

	if opts.AutoRunMissing && len(missing) > 0 {
		res.BatchMode = len(missing) > 1
		res.BatchRunID = uuid.NewString()
		c.runBatch(ctx, res, missing)
	}

	if res.Files, err = c.reg.Ensure(); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) discover() ([]string, error) {
	if _, err := os.Stat(c.cfg.ReportsDir); os.IsNotExist(err) {
		return []string{}, nil
	}
	fsys, err := safeio.NewSafeFS(c.cfg.ReportsDir)
	if err != nil {
		return nil, fmt.Errorf("open reports dir: %w", err)
	}
	pdfs, err := fsys.ListFiles(".", ".pdf")
	if err != nil {
		return nil, fmt.Errorf("list reports dir: %w", err)
	}
	return pdfs, nil
}

// linkExistingReports points entries without a live report at a report file
// already in the output directory. Exact name matches are assigned for every
// entry before any fuzzy match, and a report held by one entry is never
// offered to another. Best-effort.
func (c *Coordinator) linkExistingReports(entries []registry.Entry) {
	var candidates []string
	if fsys, err := safeio.NewSafeFS(c.cfg.ReportOutputDir); err == nil {
		candidates, _ = fsys.ListFiles(".", ".json")
	}
	if len(candidates) == 0 {
		return
	}

	claimed := make(map[string]bool, len(entries))
	var pending []registry.Entry
	for _, e := range entries {
		if safeio.Exists(e.ReportPath) {
			claimed[filepath.Clean(e.ReportPath)] = true
			continue
		}
		pending = append(pending, e)
	}

	var unmatched []registry.Entry
	for _, e := range pending {
		match, ok := c.matcher.Exact(e.PDFPath, unclaimed(candidates, claimed))
		if !ok {
			unmatched = append(unmatched, e)
			continue
		}
		claimed[filepath.Clean(match)] = true
		c.link(e.PDFPath, match, 1)
	}
	for _, e := range unmatched {
		match, score, ok := c.matcher.Fuzzy(e.PDFPath, unclaimed(candidates, claimed))
		if !ok {
			continue
		}
		claimed[filepath.Clean(match)] = true
		c.link(e.PDFPath, match, score)
	}
}

func (c *Coordinator) link(pdfPath, report string, score float64) {
	if _, err := c.reg.Upsert(pdfPath, registry.Patch{
		ReportPath: registry.Ptr(report),
		LastStatus: registry.Ptr(registry.StatusReady),
	}); err != nil {
		c.log.Warn("link existing report failed", "pdf", pdfPath, "err", err)
		return
	}
	c.log.Info("linked existing report", "pdf", pdfPath, "report", report, "score", score)
}

func unclaimed(candidates []string, claimed map[string]bool) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !claimed[filepath.Clean(c)] {
			out = append(out, c)
		}
	}
	return out
}

// missingReports keeps entries whose PDF is on disk but whose report is unset
// or gone.
func missingReports(entries []registry.Entry) []registry.Entry {
	out := make([]registry.Entry, 0, len(entries))
	for _, e := range entries {
		if !safeio.Exists(e.PDFPath) {
			continue
		}
		if e.ReportPath != "" && safeio.Exists(e.ReportPath) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Coordinator) runBatch(ctx context.Context, res *Result, missing []registry.Entry) {
	start := time.Now()
	events := runner.Scoped{RunID: res.BatchRunID, Next: c.events}
	events.Send(runner.EventBatchStarted, "", map[string]any{
		"batchRunId": res.BatchRunID,
		"total":      len(missing),
		"batchMode":  res.BatchMode,
	})

	okCount, failCount := 0, 0
	for i, e := range missing {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		runID := uuid.NewString()
		events.Emit(runner.Event{Type: runner.EventBatchFileStarted, PDFPath: e.PDFPath, Payload: map[string]any{
			"batchRunId": res.BatchRunID,
			"index":      i,
			"total":      len(missing),
			"fileRunId":  runID,
		}})

		rec := RunRecord{PDFPath: e.PDFPath, RunID: runID}
		out, err := c.runner.RunForPDF(ctx, e.PDFPath, pipeline.RunOptions{RunID: runID, BatchMode: res.BatchMode})
		res.Ran++
		payload := map[string]any{"batchRunId": res.BatchRunID, "index": i, "fileRunId": runID}
		if err != nil {
			failCount++
			rec.Error = err.Error()
			payload["ok"] = false
			payload["error"] = rec.Error
			c.log.Warn("batch item failed", "pdf", e.PDFPath, "err", err)
			if _, uerr := c.reg.Upsert(e.PDFPath, registry.Patch{
				LastRunAt:  registry.Ptr(time.Now()),
				LastStatus: registry.Ptr(registry.StatusFail),
			}); uerr != nil {
				c.log.Warn("record batch failure failed", "pdf", e.PDFPath, "err", uerr)
			}
		} else {
			okCount++
			rec.OK = true
			rec.ReportPath = out.ReportPath
			payload["ok"] = true
			payload["reportPath"] = out.ReportPath
		}
		res.Runs = append(res.Runs, rec)
		events.Emit(runner.Event{Type: runner.EventBatchFileDone, PDFPath: e.PDFPath, Payload: payload})
	}

	events.Send(runner.EventBatchCompleted, "", map[string]any{
		"batchRunId": res.BatchRunID,
		"total":      len(missing),
		"ran":        res.Ran,
		"ok":         okCount,
		"failed":     failCount,
	})
	if c.observer != nil {
		c.observer.ObserveRun("batch", failCount == 0, time.Since(start))
	}
}
