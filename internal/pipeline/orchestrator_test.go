package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/artifact"
	"reportflow/internal/config"
	"reportflow/internal/pipeline/testpipe"
	"reportflow/internal/registry"
	"reportflow/internal/runner"
	"reportflow/internal/util/jsonutil"
)

type harness struct {
	ws    *testpipe.Workspace
	orch  *Orchestrator
	rec   *runner.Recorder
	reg   *registry.Store
	store *artifact.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := testpipe.New(t)
	return &harness{ws: ws, rec: &runner.Recorder{}, store: artifact.NewMemoryStore(),
		reg: registry.New(ws.Config.Registry.Path, "")}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	if h.orch == nil {
		o, err := New(h.ws.Config, Options{
			Registry:  h.reg,
			Events:    h.rec,
			Publisher: artifact.Publisher{Store: h.store},
		})
		require.NoError(t, err)
		h.orch = o
	}
	return h.orch
}

func stageIDs(stages []runner.StageResult) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.ID
	}
	return out
}

func TestRunForPDFEndToEnd(t *testing.T) {
	h := newHarness(t)
	pdf := h.ws.AddPDF("Stub Report.pdf")

	res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, pdf, res.PDFPath)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, filepath.Join(h.ws.Config.ReportOutputDir, "stub_report_report.json"), res.ReportPath)
	assert.Equal(t, filepath.Join(h.ws.Config.ReportOutputDir, "stub_report_report.html"), res.OutHTMLPath)
	assert.Equal(t, "PASS", res.Validation.Certification)
	assert.JSONEq(t, `0.91`, string(res.Validation.OverallScore))
	assert.Equal(t, []string{
		config.ToolPDFToMarkdown, config.ToolSchemaExtraction, config.ToolSourceInference,
		config.ToolValidation, config.ToolScoreFullICJ, config.ToolScoreICJV3,
		config.ToolScoreICJV4, config.ToolFigures,
	}, stageIDs(res.Stages))

	rep, err := ReadReport(res.ReportPath)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.ReportID)
	require.NotNil(t, rep.Enrichment)
	assert.Zero(t, rep.Enrichment.Stats.ImageCount)
	assert.Zero(t, rep.Enrichment.Stats.TableCount)
	assert.Zero(t, rep.Enrichment.Stats.FigureCount)
	assert.JSONEq(t, `{"score":0.75}`, string(rep.Scores.FullICJ))
	assert.JSONEq(t, `{"score_v3":0.7}`, string(rep.Scores.FullICJV3))
	assert.JSONEq(t, `{"score_v4":0.65}`, string(rep.Scores.FullICJV4))
	assert.Equal(t, pdf, rep.SourceFiles.PDF)
	assert.FileExists(t, rep.SourceFiles.ScoreInputV3)
	assert.FileExists(t, res.OutHTMLPath)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rep.RawExtraction, &raw))
	assert.NotContains(t, raw, "legacy_scoring_config")
	assert.Equal(t, "Stub Threat Report", raw["title"])

	var si ScoreInputV3
	require.NoError(t, json.Unmarshal(rep.ScoreInputV3, &si))
	assert.Equal(t, "Stub Threat Report", si.DocID)

	entry, err := h.reg.Get(pdf)
	require.NoError(t, err)
	assert.Equal(t, res.ReportPath, entry.ReportPath)
	require.NotNil(t, entry.LastStatus)
	assert.Equal(t, "PASS", *entry.LastStatus)
	assert.NotNil(t, entry.LastRunAt)

	assert.Equal(t, res.ReportPath, h.orch.ActiveReport())
	published, err := h.store.List(context.Background(), rep.ReportID)
	require.NoError(t, err)
	assert.Equal(t, []string{"stub_report_report.html", "stub_report_report.json"}, published)

	started := h.rec.OfType(runner.EventRunStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 1, started[0].Payload["pageCount"])
	assert.Equal(t, pdf, started[0].PDFPath)
	assert.Len(t, h.rec.OfType(runner.EventStageFinished), 8)
	assert.Len(t, h.rec.OfType(runner.EventRunCompleted), 1)
	assert.Empty(t, h.rec.OfType(runner.EventStageWarning))
	for _, e := range h.rec.Events() {
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestRunForPDFStatusFollowsCertification(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolValidation, testpipe.ValidationBody("WARNING"))
	pdf := h.ws.AddPDF("a.pdf")

	res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "WARNING", res.Validation.Certification)
	assert.NotEmpty(t, res.RunID)

	entry, err := h.reg.Get(pdf)
	require.NoError(t, err)
	assert.Equal(t, "WARNING", *entry.LastStatus)
}

func TestRunForPDFValidationFailPolicy(t *testing.T) {
	t.Run("continue", func(t *testing.T) {
		h := newHarness(t)
		h.ws.SetTool(config.ToolValidation, testpipe.ValidationBody("FAIL")+"exit 1\n")
		pdf := h.ws.AddPDF("a.pdf")

		res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, "FAIL", res.Validation.Certification)
		warnings := h.rec.OfType(runner.EventStageWarning)
		require.Len(t, warnings, 1)
		assert.Equal(t, config.ToolValidation, warnings[0].StageID)
	})
	t.Run("stop", func(t *testing.T) {
		h := newHarness(t)
		h.ws.Config.ContinueOnValidationFail = false
		h.ws.SetTool(config.ToolValidation, testpipe.ValidationBody("FAIL"))
		pdf := h.ws.AddPDF("a.pdf")

		_, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, config.ToolValidation, se.StageID)
		assert.Contains(t, err.Error(), "certification FAIL")
	})
}

func TestRunForPDFMissingValidationReportIsFatal(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolValidation, testpipe.Failing("schema mismatch", 2))
	pdf := h.ws.AddPDF("a.pdf")

	_, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, config.ToolValidation, se.StageID)
	assert.Contains(t, se.Tail(), "schema mismatch")
}

func TestRunForPDFFatalStageCarriesTail(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolScoreFullICJ, testpipe.Failing("scorer exploded", 3))
	pdf := h.ws.AddPDF("a.pdf")

	res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{RunID: "r"})
	assert.Nil(t, res)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, config.ToolScoreFullICJ, se.StageID)
	require.NotNil(t, se.Result.Code)
	assert.Equal(t, 3, *se.Result.Code)
	assert.Contains(t, err.Error(), "scorer exploded")

	failed := h.rec.OfType(runner.EventRunFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, config.ToolScoreFullICJ, failed[0].StageID)
	assert.Empty(t, h.orch.ActiveReport())
	assert.NoFileExists(t, filepath.Join(h.ws.Config.ReportOutputDir, "a_report.json"))
}

func TestRunForPDFSoftFailures(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolSourceInference, testpipe.Failing("no network", 1))
	h.ws.SetTool(config.ToolScoreICJV3, testpipe.Failing("v3 broke", 1))
	pdf := h.ws.AddPDF("a.pdf")

	res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
	require.NoError(t, err)

	rep, err := ReadReport(res.ReportPath)
	require.NoError(t, err)
	assert.True(t, jsonutil.IsNull(rep.Scores.FullICJV3))
	assert.Empty(t, rep.SourceFiles.FullScoresV3)
	assert.JSONEq(t, `{"score_v4":0.65}`, string(rep.Scores.FullICJV4))
	assert.Equal(t, filepath.Base(rep.SourceFiles.RawExtraction), "a_extraction.json")

	var warned []string
	for _, e := range h.rec.OfType(runner.EventStageWarning) {
		warned = append(warned, e.StageID)
	}
	assert.Equal(t, []string{config.ToolSourceInference, config.ToolScoreICJV3}, warned)
}

func TestRunForPDFOfflineFallbackAfterTimeout(t *testing.T) {
	h := newHarness(t)
	h.ws.Config.PDFToMarkdownTimeout = 300 * time.Millisecond
	h.ws.SetTool(config.ToolPDFToMarkdown, `if [ -n "$offline" ]; then printf '# offline\n' > "$out"; exit 0; fi
sleep 5
`)
	pdf := h.ws.AddPDF("a.pdf")

	res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Stages), 2)
	assert.Equal(t, config.ToolPDFToMarkdown, res.Stages[0].ID)
	assert.True(t, res.Stages[0].TimedOut)
	assert.Equal(t, StageOfflineFallback, res.Stages[1].ID)
	assert.True(t, res.Stages[1].OK)
	assert.Contains(t, res.Stages[1].Cmd, "--offline-only")
	assert.Contains(t, res.Stages[1].Cmd, "--no-cache")
}

func TestRunForPDFNonTimeoutConversionFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolPDFToMarkdown, testpipe.Failing("corrupt pdf", 1))
	pdf := h.ws.AddPDF("a.pdf")

	_, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{})
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, config.ToolPDFToMarkdown, se.StageID)
	assert.Len(t, h.rec.OfType(runner.EventStageStarted), 1)
}

func TestRunForPDFBatchModeExportsFlags(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolScoreFullICJ, `printf '{"batch":"%s"}' "$REPORTFLOW_BATCH_MODE" > "$out"`+"\n")
	pdf := h.ws.AddPDF("a.pdf")

	res, err := h.orchestrator(t).RunForPDF(context.Background(), pdf, RunOptions{BatchMode: true})
	require.NoError(t, err)
	rep, err := ReadReport(res.ReportPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"batch":"1"}`, string(rep.Scores.FullICJ))
}

func TestRunForPDFMissingPDF(t *testing.T) {
	h := newHarness(t)
	missing := filepath.Join(h.ws.Home, "nope.pdf")
	_, err := h.orchestrator(t).RunForPDF(context.Background(), missing, RunOptions{RunID: "run-missing"})
	require.Error(t, err)

	events := h.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, runner.EventRunFailed, events[0].Type)
	assert.Equal(t, "run-missing", events[0].RunID)
	assert.Equal(t, missing, events[0].PDFPath)
	assert.Contains(t, events[0].Payload["error"], "pdf not found")
	assert.NoDirExists(t, filepath.Join(h.ws.Config.RunsDir, "run-missing"))
}

func TestRunForPDFCancelled(t *testing.T) {
	h := newHarness(t)
	h.ws.SetTool(config.ToolSchemaExtraction, "sleep 5\n")
	pdf := h.ws.AddPDF("a.pdf")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.orchestrator(t).RunForPDF(ctx, pdf, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSanitizeExtraction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1,"legacy":{"b":2}}`), 0o644))

	removed, err := sanitizeExtraction(path, []string{"legacy", "absent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy"}, removed)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	info, err := os.Stat(path)
	require.NoError(t, err)
	removed, err = sanitizeExtraction(path, []string{"legacy"})
	require.NoError(t, err)
	assert.Empty(t, removed)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestStageErrorMessage(t *testing.T) {
	code := 2
	err := &StageError{StageID: "04_score_full_icj", Result: runner.StageResult{Code: &code, Stdout: "only stdout"}}
	assert.Equal(t, "stage 04_score_full_icj failed: exit code 2\nonly stdout", err.Error())

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	err = &StageError{StageID: "s", Result: runner.StageResult{TimedOut: true, Stderr: string(long)}}
	assert.Len(t, err.Tail(), StageErrorTail)
	assert.Contains(t, err.Error(), "timed out")
}
