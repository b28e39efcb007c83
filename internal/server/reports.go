package server

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"reportflow/internal/artifact"
	"reportflow/internal/safeio"
)

type reportFilesResponse struct {
	ReportID string   `json:"reportId"`
	Files    []string `json:"files"`
}

func (h *Handler) handleReportFiles(w http.ResponseWriter, r *http.Request) {
	if h.deps.Artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact storage is not configured")
		return
	}
	id := r.PathValue("id")
	files, err := h.deps.Artifacts.List(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(files) == 0 {
		writeError(w, http.StatusNotFound, "no files for report "+id)
		return
	}
	writeJSON(w, http.StatusOK, reportFilesResponse{ReportID: id, Files: files})
}

func (h *Handler) handleReportFile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact storage is not configured")
		return
	}
	name := r.PathValue("name")
	b, err := h.deps.Artifacts.Get(r.Context(), r.PathValue("id"), name)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", artifact.ContentType(name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// handleReportFileURL returns a presigned download URL. Stores that cannot sign
// URLs answer 404 so clients fall back to the file endpoint.
func (h *Handler) handleReportFileURL(w http.ResponseWriter, r *http.Request) {
	if h.deps.Artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact storage is not configured")
		return
	}
	url, err := h.deps.Artifacts.GetURL(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if url == "" {
		writeError(w, http.StatusNotFound, "presigned urls are not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleReportContent serves a report file from the local output directory.
// Paths outside that directory are refused.
func (h *Handler) handleReportContent(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSpace(r.URL.Query().Get("path"))
	if p == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	fsys, err := safeio.NewSafeFS(h.deps.ReportsRoot)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "report directory is not available")
		return
	}
	b, err := fsys.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "report not found")
		return
	case err != nil:
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	w.Header().Set("Content-Type", artifact.ContentType(filepath.Base(p)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
