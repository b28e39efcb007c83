// Package pipeline sequences the report stages for one PDF and rescoring of an
// existing report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/config"
	"reportflow/internal/enrich"
	"reportflow/internal/logging"
	"reportflow/internal/pdfinfo"
	"reportflow/internal/registry"
	"reportflow/internal/runner"
	"reportflow/internal/safeio"
)

// StageOfflineFallback is the offline retry of stage 01 after a timeout.
const StageOfflineFallback = "01b_pdf_to_md_offline"

// Registry is the part of the file registry the orchestrator updates.
type Registry interface {
	Upsert(pdfPath string, patch registry.Patch) (registry.Entry, error)
}

// Publisher uploads finished report files.
type Publisher interface {
	Publish(ctx context.Context, reportID string, paths ...string) error
}

// Metrics observes stages and whole runs.
type Metrics interface {
	runner.StageObserver
	ObserveRun(kind string, ok bool, d time.Duration)
}

type Options struct {
	Registry  Registry
	Events    runner.Emitter
	Publisher Publisher
	Metrics   Metrics
	Pages     *pdfinfo.Counter
	Logger    *slog.Logger
	Now       func() time.Time
}

type RunOptions struct {
	RunID     string
	BatchMode bool
}

type Orchestrator struct {
	cfg       *config.Config
	registry  Registry
	events    runner.Emitter
	publisher Publisher
	metrics   Metrics
	pages     *pdfinfo.Counter
	builder   *enrich.Builder
	log       *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	activeReport string
}

func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	o := &Orchestrator{
		cfg:       cfg,
		registry:  opts.Registry,
		events:    opts.Events,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		pages:     opts.Pages,
		log:       logging.Component(opts.Logger, "pipeline"),
		now:       opts.Now,
	}
	if o.events == nil {
		o.events = runner.Discard
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.pages == nil {
		pages, err := pdfinfo.NewCounter(pdfinfo.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		o.pages = pages
	}
	o.builder = enrich.NewBuilder(cfg.StrictFigureMatching, opts.Logger)
	return o, nil
}

func (o *Orchestrator) Config() *config.Config { return o.cfg }

// ActiveReport is the report most recently written by a run or rescore.
func (o *Orchestrator) ActiveReport() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeReport
}

func (o *Orchestrator) setActiveReport(path string) {
	o.mu.Lock()
	o.activeReport = path
	o.mu.Unlock()
}

// RunForPDF runs every stage for one PDF and writes its report and viewer. A
// fatal stage failure returns a *StageError.
func (o *Orchestrator) RunForPDF(ctx context.Context, pdfPath string, opts RunOptions) (*RunResult, error) {
	abs, err := filepath.Abs(strings.TrimSpace(pdfPath))
	if err != nil {
		return nil, err
	}
	r := o.newRun(opts.RunID, abs, opts.BatchMode)
	if !safeio.Exists(abs) {
		err := fmt.Errorf("pdf not found: %s", abs)
		r.fail(err)
		return nil, err
	}
	start := time.Now()
	pages := o.pages.Pages(abs)
	r.events.Send(runner.EventRunStarted, "", map[string]any{
		"batchMode": opts.BatchMode,
		"pageCount": pages,
		"runDir":    r.dir,
	})
	r.log.Info("run started", "pdf", abs, "batch", opts.BatchMode, "pages", pages)

	res, err := r.runAll(ctx)
	if o.metrics != nil {
		o.metrics.ObserveRun("run", err == nil, time.Since(start))
	}
	if err != nil {
		r.fail(err)
		return nil, err
	}
	res.PageCount = pages
	r.events.Send(runner.EventRunCompleted, "", map[string]any{
		"reportPath":    res.ReportPath,
		"outHtmlPath":   res.OutHTMLPath,
		"certification": res.Validation.Certification,
	})
	r.log.Info("run completed", "report", res.ReportPath, "duration", time.Since(start))
	return res, nil
}

func (r *run) runAll(ctx context.Context) (*RunResult, error) {
	cfg := r.o.cfg
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	markdown := r.path(".md")
	if err := r.convert(ctx, markdown); err != nil {
		return nil, err
	}

	extraction := r.path("_extraction.json")
	res, err := r.exec(ctx, r.tool(config.ToolSchemaExtraction, extraction, "extracting structured report",
		"--input", markdown, "--schema", cfg.SchemaPath, "--output", extraction))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, stageFailed(res, "")
	}

	if extraction, err = r.inferSources(ctx, extraction, r.path("_extraction_sources.json")); err != nil {
		return nil, err
	}
	r.sanitize(extraction)

	validationJSON := r.path("_validation.json")
	validationMD := r.path("_validation.md")
	validation, err := r.validate(ctx, extraction, validationJSON, validationMD)
	if err != nil {
		return nil, err
	}

	sc, err := r.score(ctx, extraction)
	if err != nil {
		return nil, err
	}

	reportPath := filepath.Join(cfg.ReportOutputDir, ReportFileName(r.pdf))
	htmlPath := HTMLPathFor(reportPath)
	raw := readRaw(extraction)
	report := &Report{
		ReportID:       uuid.NewString(),
		GeneratedAtUTC: r.o.now().UTC().Format(time.RFC3339),
		SourceFiles: SourceFiles{
			PDF:                  r.pdf,
			Markdown:             markdown,
			RawExtraction:        extraction,
			ValidationReportJSON: validationJSON,
			ValidationReportMD:   validationMD,
		},
		RawExtraction: raw,
		Validation:    &validation,
	}
	sc.apply(report)
	report.Enrichment = r.o.builder.Build(enrich.Input{Extraction: raw, MarkdownPath: markdown, PDFPath: r.pdf})
	if err := WriteReport(reportPath, report); err != nil {
		return nil, err
	}

	if err := r.buildViewer(ctx, reportPath, htmlPath); err != nil {
		return nil, err
	}

	status := validation.Certification
	if status == "" {
		status = registry.StatusPass
	}
	if r.o.registry != nil {
		now := r.o.now()
		if _, err := r.o.registry.Upsert(r.pdf, registry.Patch{
			ReportPath: &reportPath,
			LastRunAt:  &now,
			LastStatus: &status,
		}); err != nil {
			r.log.Warn("registry update failed", "err", err)
		}
	}
	r.o.setActiveReport(reportPath)
	r.o.publish(ctx, report.ReportID, reportPath, htmlPath)

	return &RunResult{
		RunID:       r.id,
		PDFPath:     r.pdf,
		ReportPath:  reportPath,
		OutHTMLPath: htmlPath,
		Validation:  validation,
		Stages:      r.results,
	}, nil
}

// convert runs stage 01, retrying once offline when it times out.
func (r *run) convert(ctx context.Context, markdown string) error {
	cfg := r.o.cfg
	args := []string{"--input", r.pdf, "--output", markdown}
	st := r.tool(config.ToolPDFToMarkdown, markdown, "converting PDF to markdown", args...)
	st.Timeout = cfg.PDFToMarkdownTimeout
	res, err := r.exec(ctx, st)
	if err != nil {
		return err
	}
	if res.OK {
		return nil
	}
	if !res.TimedOut {
		return stageFailed(res, "")
	}

	r.warn(config.ToolPDFToMarkdown, fmt.Sprintf("timed out after %s; retrying offline without cache", cfg.PDFToMarkdownTimeout))
	fb := r.tool(config.ToolPDFToMarkdown, markdown, "offline PDF conversion", append(args, "--offline-only", "--no-cache")...)
	fb.ID = StageOfflineFallback
	fb.Timeout = cfg.OfflineFallbackTimeout
	res, err = r.exec(ctx, fb)
	if err != nil {
		return err
	}
	if !res.OK {
		return stageFailed(res, "offline fallback failed")
	}
	return nil
}

// inferSources runs stage 02b and returns the extraction to continue with.
func (r *run) inferSources(ctx context.Context, extraction, augmented string) (string, error) {
	res, err := r.exec(ctx, r.tool(config.ToolSourceInference, augmented, "inferring source institutions",
		"--input", extraction, "--output", augmented))
	if err != nil {
		return "", err
	}
	if res.OK && readRaw(augmented) != nil {
		return augmented, nil
	}
	r.warn(config.ToolSourceInference, "source inference failed; continuing with the prior extraction")
	return extraction, nil
}

// sanitize strips obsolete top-level keys from the extraction file.
func (r *run) sanitize(extraction string) {
	removed, err := sanitizeExtraction(extraction, r.o.cfg.ObsoleteExtractionKeys)
	if err != nil {
		r.log.Warn("sanitize extraction failed", "path", extraction, "err", err)
		return
	}
	if len(removed) > 0 {
		r.log.Info("removed obsolete extraction keys", "keys", removed)
	}
}

func (r *run) validate(ctx context.Context, extraction, outJSON, outMD string) (Validation, error) {
	cfg := r.o.cfg
	res, err := r.exec(ctx, r.tool(config.ToolValidation, outJSON, "validating extraction",
		"--input", extraction, "--schema", cfg.SchemaPath, "--output", outJSON, "--output-md", outMD))
	if err != nil {
		return Validation{}, err
	}
	v, ok := readValidation(outJSON)
	if !ok {
		return Validation{}, stageFailed(res, "no validation report produced")
	}
	failedCert := strings.EqualFold(v.Certification, registry.StatusFail)
	if res.OK && !failedCert {
		return v, nil
	}
	reason := "validation did not pass"
	if v.Certification != "" {
		reason = fmt.Sprintf("validation certification %s", v.Certification)
	}
	if !cfg.ContinueOnValidationFail {
		return Validation{}, stageFailed(res, reason)
	}
	r.warn(config.ToolValidation, reason+"; continuing to scoring")
	return v, nil
}

func (r *run) buildViewer(ctx context.Context, reportPath, htmlPath string) error {
	res, err := r.exec(ctx, r.tool(config.ToolFigures, htmlPath, "building report viewer",
		"--report-json", reportPath, "--output", htmlPath))
	if err != nil {
		return err
	}
	if !res.OK {
		return stageFailed(res, "")
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, reportID string, paths ...string) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, reportID, paths...); err != nil {
		o.log.Warn("publish report failed", "report_id", reportID, "err", err)
	}
}
