package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"reportflow/internal/artifact"
	"reportflow/internal/batch"
	"reportflow/internal/logging"
	"reportflow/internal/metrics"
	"reportflow/internal/pipeline"
	"reportflow/internal/progress"
	"reportflow/internal/registry"
)

const maxBodyBytes = 1 << 20

type Pipeline interface {
	RunForPDF(ctx context.Context, pdfPath string, opts pipeline.RunOptions) (*pipeline.RunResult, error)
	Rescore(ctx context.Context, reportPath string, opts pipeline.RunOptions) (*pipeline.RescoreResult, error)
	ActiveReport() string
}

type Bootstrapper interface {
	Bootstrap(ctx context.Context, opts batch.Options) (*batch.Result, error)
}

type Files interface {
	Ensure() ([]registry.Entry, error)
	AddPaths(paths []string) (registry.AddResult, error)
}

type Deps struct {
	Pipeline Pipeline
	Batch    Bootstrapper
	Files    Files
	Broker   *progress.Broker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Artifacts serves published report files; nil disables /api/reports/{id}/files.
	Artifacts artifact.Store
	// ReportsRoot is the only directory /api/reports/content reads from.
	ReportsRoot string
}

// Handler serves the JSON API. Runs, rescores and auto-run bootstraps are
// accepted with 202 and continue in the background; progress goes to the broker.
type Handler struct {
	deps    Deps
	log     *slog.Logger
	files   *inflight
	batchMu sync.Mutex
	batchOn bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHandler(deps Deps) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		deps:   deps,
		log:    logging.Component(deps.Logger, "server.api"),
		files:  newInflight(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels background work and waits for it to stop.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// Routes builds the mux with CORS and, when metrics are configured, request metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.handle(mux, "POST /api/runs", h.handleRun)
	h.handle(mux, "POST /api/rescore", h.handleRescore)
	h.handle(mux, "POST /api/bootstrap", h.handleBootstrap)
	h.handle(mux, "GET /api/files", h.handleListFiles)
	h.handle(mux, "POST /api/files", h.handleAddFiles)
	h.handle(mux, "GET /api/reports/active", h.handleActiveReport)
	h.handle(mux, "GET /api/reports/content", h.handleReportContent)
	h.handle(mux, "GET /api/reports/{id}/files", h.handleReportFiles)
	h.handle(mux, "GET /api/reports/{id}/files/{name}", h.handleReportFile)
	h.handle(mux, "GET /api/reports/{id}/files/{name}/url", h.handleReportFileURL)
	h.handle(mux, "GET /ws/progress", h.handleProgressWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.deps.Metrics != nil {
		mux.Handle("GET /metrics", h.deps.Metrics.Handler())
	}
	return CORS(mux)
}

func (h *Handler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.deps.Metrics != nil {
		path := pattern[strings.IndexByte(pattern, ' ')+1:]
		handler = h.deps.Metrics.Middleware(path, handler)
	}
	mux.Handle(pattern, handler)
}

type runRequest struct {
	PDFPath string `json:"pdfPath"`
	RunID   string `json:"runId,omitempty"`
}

type acceptedResponse struct {
	RunID string `json:"runId"`
	Path  string `json:"path"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pdf := strings.TrimSpace(req.PDFPath)
	if pdf == "" {
		writeError(w, http.StatusBadRequest, "pdfPath is required")
		return
	}
	release, msg := h.acquireFile(pdf, "a run for this pdf is already in progress")
	if release == nil {
		writeError(w, http.StatusConflict, msg)
		return
	}
	runID := firstNonEmpty(req.RunID, uuid.NewString())
	h.background(release, func(ctx context.Context) {
		if _, err := h.deps.Pipeline.RunForPDF(ctx, pdf, pipeline.RunOptions{RunID: runID}); err != nil {
			h.log.Warn("run failed", "run_id", runID, "pdf", pdf, "err", err)
		}
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{RunID: runID, Path: pdf})
}

type rescoreRequest struct {
	ReportPath string `json:"reportPath"`
	RunID      string `json:"runId,omitempty"`
}

func (h *Handler) handleRescore(w http.ResponseWriter, r *http.Request) {
	var req rescoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report := strings.TrimSpace(req.ReportPath)
	if report == "" {
		writeError(w, http.StatusBadRequest, "reportPath is required")
		return
	}
	release, msg := h.acquireFile(report, "a rescore for this report is already in progress")
	if release == nil {
		writeError(w, http.StatusConflict, msg)
		return
	}
	runID := firstNonEmpty(req.RunID, uuid.NewString())
	h.background(release, func(ctx context.Context) {
		if _, err := h.deps.Pipeline.Rescore(ctx, report, pipeline.RunOptions{RunID: runID}); err != nil {
			h.log.Warn("rescore failed", "run_id", runID, "report", report, "err", err)
		}
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{RunID: runID, Path: report})
}

type bootstrapRequest struct {
	AutoRunMissing *bool `json:"autoRunMissing,omitempty"`
}

// handleBootstrap answers synchronously when nothing is run. With auto-run it
// registers and links first, then runs the batch in the background.
func (h *Handler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	autoRun := req.AutoRunMissing == nil || *req.AutoRunMissing

	if !autoRun {
		res, err := h.deps.Batch.Bootstrap(r.Context(), batch.Options{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	h.batchMu.Lock()
	if h.batchOn {
		h.batchMu.Unlock()
		writeError(w, http.StatusConflict, "a batch is already in progress")
		return
	}
	if h.files.len() > 0 {
		h.batchMu.Unlock()
		writeError(w, http.StatusConflict, "runs are in progress; retry when they finish")
		return
	}
	h.batchOn = true
	h.batchMu.Unlock()

	preview, err := h.deps.Batch.Bootstrap(r.Context(), batch.Options{})
	if err != nil {
		h.endBatch()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.background(h.endBatch, func(ctx context.Context) {
		if _, err := h.deps.Batch.Bootstrap(ctx, batch.Options{AutoRunMissing: true}); err != nil {
			h.log.Warn("bootstrap failed", "err", err)
		}
	})
	writeJSON(w, http.StatusAccepted, preview)
}

// acquireFile reserves key for a single run or rescore. It returns a nil release
// and the conflict message while key is held or a batch is running.
func (h *Handler) acquireFile(key, busyMsg string) (release func(), msg string) {
	h.batchMu.Lock()
	defer h.batchMu.Unlock()
	if h.batchOn {
		return nil, "a batch is in progress"
	}
	release, ok := h.files.acquire(key)
	if !ok {
		return nil, busyMsg
	}
	return release, ""
}

func (h *Handler) endBatch() {
	h.batchMu.Lock()
	h.batchOn = false
	h.batchMu.Unlock()
}

type filesResponse struct {
	Files []registry.Entry `json:"files"`
}

func (h *Handler) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	files, err := h.deps.Files.Ensure()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, filesResponse{Files: files})
}

type addFilesRequest struct {
	Paths []string `json:"paths"`
}

func (h *Handler) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	var req addFilesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.deps.Files.AddPaths(req.Paths)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleActiveReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"reportPath": h.deps.Pipeline.ActiveReport()})
}

func (h *Handler) background(release func(), fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer release()
		fn(h.ctx)
	}()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
