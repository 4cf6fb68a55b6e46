package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/finsight"
	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/evaluation"
	"github.com/brunobiangulo/finsight/sec"
	"github.com/brunobiangulo/finsight/workflow"
)

type handler struct {
	engine finsight.Engine
}

func newHandler(e finsight.Engine) *handler {
	return &handler{engine: e}
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		workflow.QueryRequest
		Stream bool `json:"stream,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Stream {
		h.streamQuery(ctx, w, req.QueryRequest)
		return
	}

	resp, err := h.engine.Query(ctx, req.QueryRequest)
	if err != nil {
		status := errorStatus(err)
		writeError(w, status, errorMessage(err, "query failed"))
		slog.Error("query error", "query", req.Query, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// streamQuery writes generated text fragments as they arrive. The body
// is plain chunked text; evaluation is unavailable in this mode.
func (h *handler) streamQuery(ctx context.Context, w http.ResponseWriter, req workflow.QueryRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	err := h.engine.QueryStream(ctx, req, func(fragment string) error {
		if _, werr := io.WriteString(w, fragment); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers may already be out; log and terminate the stream.
		slog.Error("stream error", "query", req.Query, "error", err)
	}
}

// POST /evaluate
// Scores a caller-supplied response against its source chunks without
// generating anything.
func (h *handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Response     string   `json:"response"`
		SourceChunks []string `json:"source_chunks"`
		Query        string   `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Response == "" {
		writeError(w, http.StatusBadRequest, "response is required")
		return
	}

	result := h.engine.Evaluate(ctx, evaluation.Input{
		ResponseText: req.Response,
		SourceChunks: req.SourceChunks,
		Query:        req.Query,
	})
	writeJSON(w, http.StatusOK, result)
}

// POST /documents
// Accepts multipart file upload or JSON with a file path, optionally
// with company and filing metadata.
func (h *handler) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpPath := filepath.Join(os.TempDir(), safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()
			defer os.Remove(tmpPath)

			docID, err := h.engine.Ingest(ctx, tmpPath, ingestOptionsFromForm(r))
			if err != nil {
				writeError(w, errorStatus(err), "ingestion failed")
				slog.Error("ingest error", "file", safeName, "error", err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]interface{}{
				"document_id": docID,
				"filename":    safeName,
			})
			return
		}
	}

	// Try JSON body with path
	var req struct {
		Path        string `json:"path"`
		Ticker      string `json:"ticker,omitempty"`
		CompanyName string `json:"company_name,omitempty"`
		FilingType  string `json:"filing_type,omitempty"`
		FilingDate  string `json:"filing_date,omitempty"`
		Force       bool   `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	opts := []finsight.IngestOption{
		finsight.WithFilingInfo(sec.FilingMetadata{
			Ticker:      req.Ticker,
			CompanyName: req.CompanyName,
			FilingType:  req.FilingType,
			FilingDate:  req.FilingDate,
		}),
	}
	if req.Force {
		opts = append(opts, finsight.WithForceReparse())
	}

	docID, err := h.engine.Ingest(ctx, absPath, opts...)
	if err != nil {
		writeError(w, errorStatus(err), "ingestion failed")
		slog.Error("ingest error", "path", absPath, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": docID,
		"path":        absPath,
	})
}

// ingestOptionsFromForm reads filing metadata form fields accompanying
// a multipart upload.
func ingestOptionsFromForm(r *http.Request) finsight.IngestOption {
	return finsight.WithFilingInfo(sec.FilingMetadata{
		Ticker:      r.FormValue("ticker"),
		CompanyName: r.FormValue("company_name"),
		FilingType:  r.FormValue("filing_type"),
		FilingDate:  r.FormValue("filing_date"),
	})
}

// POST /filings
// Downloads recent EDGAR filings for a ticker and ingests them.
func (h *handler) handleIngestFilings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Ticker   string `json:"ticker"`
		FormType string `json:"form_type"`
		Count    int    `json:"count,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	if req.FormType == "" {
		req.FormType = "10-K"
	}
	if req.Count <= 0 || req.Count > 10 {
		req.Count = 1
	}

	docIDs, err := h.engine.IngestFilings(ctx, req.Ticker, req.FormType, req.Count)
	if err != nil {
		writeError(w, errorStatus(err), errorMessage(err, "filing ingestion failed"))
		slog.Error("filings ingest error", "ticker", req.Ticker, "form", req.FormType, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker":       req.Ticker,
		"form_type":    req.FormType,
		"document_ids": docIDs,
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeError(w, errorStatus(err), "delete failed")
		slog.Error("delete error", "document_id", id, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
	})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		slog.Error("stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /healthz
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// errorStatus maps a typed engine error to an HTTP status code.
func errorStatus(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidRequest:
		return http.StatusBadRequest
	case errs.CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage surfaces validation messages to the caller, hiding
// internal error detail behind a generic fallback.
func errorMessage(err error, fallback string) string {
	if errs.CodeOf(err) == errs.CodeInvalidRequest {
		return err.Error()
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
