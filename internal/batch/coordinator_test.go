package batch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/pipeline"
	"reportflow/internal/pipeline/testpipe"
	"reportflow/internal/registry"
	"reportflow/internal/runner"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	modes []bool
	fail  map[string]error
}

func (f *fakeRunner) RunForPDF(_ context.Context, pdf string, opts pipeline.RunOptions) (*pipeline.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, filepath.Base(pdf))
	f.modes = append(f.modes, opts.BatchMode)
	if err := f.fail[filepath.Base(pdf)]; err != nil {
		return nil, err
	}
	return &pipeline.RunResult{RunID: opts.RunID, PDFPath: pdf, ReportPath: pdf + ".json"}, nil
}

func TestBootstrapWithoutAutoRunOnlyRegisters(t *testing.T) {
	ws := testpipe.New(t)
	ws.AddPDF("one.pdf")
	ws.AddPDF("two.pdf")
	reg := registry.New(ws.Config.Registry.Path, "")
	fr := &fakeRunner{}
	rec := &runner.Recorder{}

	res, err := New(ws.Config, reg, fr, rec, nil).Bootstrap(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.DiscoveredPDFCount)
	assert.Equal(t, 2, res.MissingBeforeRun)
	assert.Zero(t, res.Ran)
	assert.False(t, res.BatchMode)
	assert.Empty(t, res.BatchRunID)
	assert.Empty(t, res.Runs)
	assert.Len(t, res.Files, 2)
	assert.Empty(t, fr.calls)
	assert.Empty(t, rec.Events())
}

func TestBootstrapRecordsFailuresAndContinues(t *testing.T) {
	ws := testpipe.New(t)
	ws.AddPDF("a.pdf")
	ws.AddPDF("b.pdf")
	ws.AddPDF("c.pdf")
	reg := registry.New(ws.Config.Registry.Path, "")
	fr := &fakeRunner{fail: map[string]error{"b.pdf": errors.New("stage 04 failed")}}
	rec := &runner.Recorder{}

	res, err := New(ws.Config, reg, fr, rec, nil).Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}, fr.calls)
	assert.Equal(t, []bool{true, true, true}, fr.modes)
	assert.Equal(t, 3, res.Ran)
	require.Len(t, res.Runs, 3)
	assert.True(t, res.Runs[0].OK)
	assert.False(t, res.Runs[1].OK)
	assert.Equal(t, "stage 04 failed", res.Runs[1].Error)
	assert.True(t, res.Runs[2].OK)

	failed, err := reg.Get(res.Runs[1].PDFPath)
	require.NoError(t, err)
	require.NotNil(t, failed.LastStatus)
	assert.Equal(t, registry.StatusFail, *failed.LastStatus)
	assert.NotNil(t, failed.LastRunAt)

	started := rec.OfType(runner.EventBatchStarted)
	require.Len(t, started, 1)
	assert.Equal(t, res.BatchRunID, started[0].RunID)
	assert.Equal(t, 3, started[0].Payload["total"])
	assert.Len(t, rec.OfType(runner.EventBatchFileStarted), 3)

	finished := rec.OfType(runner.EventBatchFileDone)
	require.Len(t, finished, 3)
	assert.Equal(t, false, finished[1].Payload["ok"])
	assert.Equal(t, "stage 04 failed", finished[1].Payload["error"])

	done := rec.OfType(runner.EventBatchCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].Payload["ok"])
	assert.Equal(t, 1, done[0].Payload["failed"])
}

func TestBootstrapSingleMissingIsNotBatchMode(t *testing.T) {
	ws := testpipe.New(t)
	ws.AddPDF("solo.pdf")
	fr := &fakeRunner{}

	res, err := New(ws.Config, registry.New(ws.Config.Registry.Path, ""), fr, nil, nil).
		Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)
	assert.False(t, res.BatchMode)
	assert.Equal(t, []bool{false}, fr.modes)
}

func TestBootstrapLinksFuzzyMatchedReport(t *testing.T) {
	ws := testpipe.New(t)
	pdf := ws.AddPDF("APT29 Campaign Analysis 2023.pdf")
	report := ws.WriteFile(filepath.Join("outputs", "reports", "apt29_campaign_analysis_report.json"), `{}`)
	reg := registry.New(ws.Config.Registry.Path, "")
	fr := &fakeRunner{}

	res, err := New(ws.Config, reg, fr, nil, nil).Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)

	assert.Zero(t, res.MissingBeforeRun)
	assert.Zero(t, res.Ran)
	assert.Empty(t, fr.calls)
	e, err := reg.Get(pdf)
	require.NoError(t, err)
	assert.Equal(t, report, e.ReportPath)
	require.NotNil(t, e.LastStatus)
	assert.Equal(t, registry.StatusReady, *e.LastStatus)
}

func TestBootstrapRunsPipelineForMissingReports(t *testing.T) {
	ws := testpipe.New(t)
	ws.AddPDF("alpha report.pdf")
	ws.AddPDF("beta report.pdf")
	ws.AddPDF("gamma.pdf")
	ws.WriteFile(filepath.Join("outputs", "reports", "alpha_report_report.json"), `{}`)

	reg := registry.New(ws.Config.Registry.Path, "")
	rec := &runner.Recorder{}
	orch, err := pipeline.New(ws.Config, pipeline.Options{Registry: reg, Events: rec})
	require.NoError(t, err)

	res, err := New(ws.Config, reg, orch, rec, nil).Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)

	assert.Equal(t, 3, res.DiscoveredPDFCount)
	assert.Equal(t, 2, res.MissingBeforeRun)
	assert.Equal(t, 2, res.Ran)
	assert.True(t, res.BatchMode)
	require.Len(t, res.Runs, 2)
	for _, r := range res.Runs {
		assert.True(t, r.OK, r.Error)
		assert.FileExists(t, r.ReportPath)
	}
	assert.Equal(t, "beta report.pdf", filepath.Base(res.Runs[0].PDFPath))
	assert.Equal(t, "gamma.pdf", filepath.Base(res.Runs[1].PDFPath))

	for _, e := range rec.OfType(runner.EventRunStarted) {
		assert.Equal(t, true, e.Payload["batchMode"])
	}
	require.Len(t, res.Files, 3)
	for _, f := range res.Files {
		assert.NotEmpty(t, f.ReportPath)
	}
}

func TestBootstrapExactMatchesWinOverFuzzyMatches(t *testing.T) {
	ws := testpipe.New(t)
	alpha := ws.AddPDF("alpha report.pdf")
	beta := ws.AddPDF("beta report.pdf")
	report := ws.WriteFile(filepath.Join("outputs", "reports", "alpha_report_report.json"), `{}`)
	reg := registry.New(ws.Config.Registry.Path, "")
	fr := &fakeRunner{}

	res, err := New(ws.Config, reg, fr, nil, nil).Bootstrap(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingBeforeRun)

	a, err := reg.Get(alpha)
	require.NoError(t, err)
	assert.Equal(t, report, a.ReportPath)
	b, err := reg.Get(beta)
	require.NoError(t, err)
	assert.Empty(t, b.ReportPath)
}

func TestBootstrapSkipsReportsHeldByOtherEntries(t *testing.T) {
	ws := testpipe.New(t)
	held := ws.AddPDF("campaign notes.pdf")
	ws.AddPDF("campaign notes draft.pdf")
	report := ws.WriteFile(filepath.Join("outputs", "reports", "campaign_notes_v2.json"), `{}`)
	reg := registry.New(ws.Config.Registry.Path, "")
	_, err := reg.AddPaths([]string{held})
	require.NoError(t, err)
	_, err = reg.Upsert(held, registry.Patch{ReportPath: registry.Ptr(report)})
	require.NoError(t, err)
	fr := &fakeRunner{}

	res, err := New(ws.Config, reg, fr, nil, nil).Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.MissingBeforeRun)
	assert.Equal(t, []string{"campaign notes draft.pdf"}, fr.calls)
	e, err := reg.Get(held)
	require.NoError(t, err)
	assert.Equal(t, report, e.ReportPath)
}

func TestBootstrapIgnoresSeededSampleThatIsNotOnDisk(t *testing.T) {
	ws := testpipe.New(t)
	ws.AddPDF("alpha.pdf")
	ws.AddPDF("beta.pdf")
	ws.AddPDF("gamma.pdf")
	ws.WriteFile(filepath.Join("outputs", "reports", "alpha_report.json"), `{}`)
	reg := registry.New(ws.Config.Registry.Path, ws.Config.SamplePDF)
	fr := &fakeRunner{}

	res, err := New(ws.Config, reg, fr, nil, nil).Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)

	assert.Equal(t, 3, res.DiscoveredPDFCount)
	assert.Equal(t, 2, res.MissingBeforeRun)
	assert.Equal(t, 2, res.Ran)
	assert.Equal(t, []string{"beta.pdf", "gamma.pdf"}, fr.calls)

	sample, err := reg.Get(ws.Config.SamplePDF)
	require.NoError(t, err)
	assert.Nil(t, sample.LastStatus)
}

func TestBatchFileEventsCarryFileRunID(t *testing.T) {
	ws := testpipe.New(t)
	ws.AddPDF("a.pdf")
	ws.AddPDF("b.pdf")
	rec := &runner.Recorder{}

	res, err := New(ws.Config, registry.New(ws.Config.Registry.Path, ""), &fakeRunner{}, rec, nil).
		Bootstrap(context.Background(), Options{AutoRunMissing: true})
	require.NoError(t, err)
	require.Len(t, res.Runs, 2)

	for _, typ := range []runner.EventType{runner.EventBatchFileStarted, runner.EventBatchFileDone} {
		events := rec.OfType(typ)
		require.Len(t, events, 2, typ)
		for i, e := range events {
			raw, err := json.Marshal(e)
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, res.BatchRunID, got["runId"], typ)
			assert.Equal(t, res.Runs[i].RunID, got["fileRunId"], typ)
			assert.NotEqual(t, got["runId"], got["fileRunId"], typ)
		}
	}
}
