package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/enrich"
	"reportflow/internal/runner"
	"reportflow/internal/safeio"
	"reportflow/internal/util/jsonutil"
	"reportflow/internal/util/slug"
)

// RescoreResult is returned by Rescore.
type RescoreResult struct {
	ReportPath       string `json:"reportPath"`
	OutHTMLPath      string `json:"outHtmlPath"`
	FullScorePath    string `json:"fullScorePath"`
	ScoreInputV3Path string `json:"scoreInputV3Path"`
	ScoreV3Path      string `json:"scoreV3Path"`
	ScoreV4Path      string `json:"scoreV4Path"`
	V3OK             bool   `json:"v3Ok"`
	V4OK             bool   `json:"v4Ok"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
}

// Rescore re-runs source inference and the scorers against the raw extraction
// stored in an existing report, then rewrites the report in place and rebuilds
// its viewer. Nothing is written when the report has no raw_extraction.
func (o *Orchestrator) Rescore(ctx context.Context, reportPath string, opts RunOptions) (*RescoreResult, error) {
	abs, err := filepath.Abs(strings.TrimSpace(reportPath))
	if err != nil {
		return nil, err
	}
	rep, err := ReadReport(abs)
	if err != nil {
		return nil, err
	}
	if jsonutil.IsNull(rep.RawExtraction) {
		return nil, fmt.Errorf("rescore %s: %w", abs, ErrNoRawExtraction)
	}

	hints := sourceHints(abs, rep)
	pdf := o.locateSource(rep.SourceFiles.PDF, ".pdf", hints)
	markdown := o.locateSource(rep.SourceFiles.Markdown, ".md", hints)

	r := o.newRun(opts.RunID, pdf, opts.BatchMode)
	if base := strings.TrimSuffix(slug.Stem(abs), "_report"); base != "" {
		r.base = base
	}
	extraction := r.path("_extraction.json")
	if prev := rep.SourceFiles.RawExtraction; o.underOutputs(prev) {
		extraction = prev
		r.dir = filepath.Dir(prev)
	}
	augmented := r.path("_extraction_sources.json")
	if augmented == extraction {
		augmented = r.path("_extraction_rescored_sources.json")
	}

	start := time.Now()
	r.events.Send(runner.EventRescoreStarted, "", map[string]any{
		"reportPath": abs,
		"extraction": extraction,
	})
	r.log.Info("rescore started", "report", abs)

	res, err := r.rescore(ctx, abs, rep, pdf, markdown, extraction, augmented)
	if o.metrics != nil {
		o.metrics.ObserveRun("rescore", err == nil, time.Since(start))
	}
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.events.Send(runner.EventRescoreCompleted, "", map[string]any{
		"reportPath":  res.ReportPath,
		"outHtmlPath": res.OutHTMLPath,
		"v3Ok":        res.V3OK,
		"v4Ok":        res.V4OK,
	})
	return res, nil
}

func (r *run) rescore(ctx context.Context, reportPath string, rep *Report, pdf, markdown, extraction, augmented string) (*RescoreResult, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := jsonutil.WriteFile(extraction, rep.RawExtraction); err != nil {
		return nil, fmt.Errorf("materialize extraction: %w", err)
	}
	extraction, err := r.inferSources(ctx, extraction, augmented)
	if err != nil {
		return nil, err
	}
	r.sanitize(extraction)

	sc, err := r.score(ctx, extraction)
	if err != nil {
		return nil, err
	}

	raw := readRaw(extraction)
	if rep.ReportID == "" {
		rep.ReportID = uuid.NewString()
	}
	rep.GeneratedAtUTC = r.o.now().UTC().Format(time.RFC3339)
	rep.RawExtraction = raw
	rep.SourceFiles.PDF = pdf
	rep.SourceFiles.Markdown = markdown
	rep.SourceFiles.RawExtraction = extraction
	sc.apply(rep)
	rep.Enrichment = r.o.builder.Build(enrich.Input{Extraction: raw, MarkdownPath: markdown, PDFPath: pdf})
	if err := WriteReport(reportPath, rep); err != nil {
		return nil, err
	}

	htmlPath := HTMLPathFor(reportPath)
	if err := r.buildViewer(ctx, reportPath, htmlPath); err != nil {
		return nil, err
	}
	r.o.setActiveReport(reportPath)
	r.o.publish(ctx, rep.ReportID, reportPath, htmlPath)

	stdout, stderr := r.output()
	return &RescoreResult{
		ReportPath:       reportPath,
		OutHTMLPath:      htmlPath,
		FullScorePath:    sc.FullPath,
		ScoreInputV3Path: sc.InputPath,
		ScoreV3Path:      sc.V3Path,
		ScoreV4Path:      sc.V4Path,
		V3OK:             sc.V3OK,
		V4OK:             sc.V4OK,
		Stdout:           stdout,
		Stderr:           stderr,
	}, nil
}

// underOutputs reports whether p lies in the outputs directory or any directory
// named "outputs".
func (o *Orchestrator) underOutputs(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" || !filepath.IsAbs(p) {
		return false
	}
	if safeio.HasPathPrefix(p, o.cfg.OutputsDir) {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(p)), "/") {
		if part == "outputs" {
			return true
		}
	}
	return false
}

// sourceHints collects the names a report's source files are likely to share.
func sourceHints(reportPath string, rep *Report) []string {
	hints := []string{strings.TrimSuffix(filepath.Base(reportPath), "_report.json")}
	var doc map[string]any
	if json.Unmarshal(rep.RawExtraction, &doc) == nil {
		if title := firstText(doc, "title"); title != "" {
			hints = append(hints, title)
		} else if title := firstText(objectAt(doc, "document_metadata"), "title"); title != "" {
			hints = append(hints, title)
		}
	}
	for _, p := range []string{rep.SourceFiles.PDF, rep.SourceFiles.Markdown} {
		if strings.TrimSpace(p) != "" {
			hints = append(hints, strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		}
	}
	return hints
}

// locateSource returns known when it still exists. Otherwise it picks the file with
// extension ext in the reports directory sharing the most tokens of three or more
// characters with hints, falling back to known.
func (o *Orchestrator) locateSource(known, ext string, hints []string) string {
	if safeio.Exists(known) {
		return known
	}
	want := slug.Tokens(strings.Join(hints, " "), 3)
	if len(want) == 0 {
		return known
	}
	fsys, err := safeio.NewSafeFS(o.cfg.ReportsDir)
	if err != nil {
		return known
	}
	files, err := fsys.ListFiles(".", ext)
	if err != nil {
		return known
	}
	best, bestScore := "", 0
	for _, f := range files {
		stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if score := slug.Overlap(slug.Tokens(stem, 3), want); score > bestScore {
			best, bestScore = f, score
		}
	}
	if best == "" {
		return known
	}
	o.log.Info("inferred source file", "ext", ext, "path", best, "score", bestScore)
	return best
}
