package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pdfsum/pdfsum/internal/export"
	"github.com/pdfsum/pdfsum/internal/fsutil"
	"github.com/pdfsum/pdfsum/internal/job"
	"github.com/pdfsum/pdfsum/internal/pipeline"
	"github.com/pdfsum/pdfsum/internal/status"
	"github.com/pdfsum/pdfsum/internal/submit"
)

// Submitter queues documents and stages uploads for inline processing.
type Submitter interface {
	SubmitUpload(ctx context.Context, filename string, body io.Reader, callbackURL string) (*submit.Receipt, error)
	SubmitURL(ctx context.Context, rawURL, callbackURL string) (*submit.Receipt, error)
	Stage(filename string, body io.Reader) (string, string, error)
}

type StatusReporter interface {
	Status(ctx context.Context, jobID string) (*status.Report, error)
}

// Processor runs the full analysis pipeline on a local document.
type Processor interface {
	Run(ctx context.Context, path string) (*pipeline.Outcome, error)
}

type Options struct {
	// Processor enables POST /api/v1/summarize. Nil answers 501.
	Processor Processor
	// Results enables the listing and export routes. Nil answers 501.
	Results export.Lister

	MaxUploadBytes int64
	ExportMaxRows  int
	DeleteAttempts int
	DeleteDelay    time.Duration
	Logger         *slog.Logger
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	submitter Submitter
	reporter  StatusReporter
	opts      Options
	logger    *slog.Logger
}

func NewHandler(s Submitter, r StatusReporter, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.DeleteAttempts <= 0 {
		opts.DeleteAttempts = 5
	}
	return &Handler{submitter: s, reporter: r, opts: opts, logger: opts.Logger}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs/upload", h.SubmitUpload)
	mux.HandleFunc("POST /api/v1/jobs/url", h.SubmitURL)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetStatus)
	mux.HandleFunc("POST /api/v1/summarize", h.Summarize)
	mux.HandleFunc("GET /api/v1/results", h.ListResults)
	mux.HandleFunc("GET /api/v1/results/export", h.ExportResults)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// SubmitUpload handles POST /api/v1/jobs/upload and responds 202 with the receipt.
func (h *Handler) SubmitUpload(w http.ResponseWriter, r *http.Request) {
	file, hdr, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	rec, err := h.submitter.SubmitUpload(r.Context(), hdr.Filename, file, r.FormValue("callback_url"))
	if err != nil {
		h.submitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

type urlRequest struct {
	URL         string `json:"url"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// SubmitURL handles POST /api/v1/jobs/url and responds 202 with the receipt.
func (h *Handler) SubmitURL(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.submitter.SubmitURL(r.Context(), req.URL, req.CallbackURL)
	if err != nil {
		h.submitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// GetStatus handles GET /api/v1/jobs/{id}. Unknown jobs answer 404 with the
// same report shape.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rep, err := h.reporter.Status(r.Context(), id)
	if err != nil {
		h.logger.Error("status lookup failed", "job_id", id, "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "failed to get job status")
		return
	}
	code := http.StatusOK
	if rep.Status == status.StateNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, rep)
}

type summarizeResponse struct {
	*pipeline.Outcome
	Filename string `json:"filename"`
}

// Summarize handles POST /api/v1/summarize: the document is processed inline
// and never queued.
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	if h.opts.Processor == nil {
		writeError(w, http.StatusNotImplemented, "synchronous summarization is not enabled")
		return
	}
	file, hdr, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	id, path, err := h.submitter.Stage(hdr.Filename, file)
	if err != nil {
		h.submitError(w, r, err)
		return
	}
	defer h.discard(context.WithoutCancel(r.Context()), path)

	out, err := h.opts.Processor.Run(r.Context(), path)
	if err != nil {
		h.logger.Error("summarize failed", "job_id", id, "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarizeResponse{Outcome: out, Filename: filepath.Base(hdr.Filename)})
}

// ListResults handles GET /api/v1/results and responds 200 with a page of
// stored results, newest first.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.opts.Results == nil {
		writeError(w, http.StatusNotImplemented, "no result database configured")
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	results, total, err := h.opts.Results.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list results failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []*job.Result{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// ExportResults handles GET /api/v1/results/export with an XLSX attachment.
func (h *Handler) ExportResults(w http.ResponseWriter, r *http.Request) {
	if h.opts.Results == nil {
		writeError(w, http.StatusNotImplemented, "no result database configured")
		return
	}
	data, err := export.ResultsXLSX(r.Context(), h.opts.Results, h.opts.ExportMaxRows, h.logger)
	if err != nil {
		h.logger.Error("export failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "failed to export results")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="results.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// formFile reads the "file" part of a multipart body, answering 400 itself
// when there is none.
func (h *Handler) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return nil, nil, false
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return nil, nil, false
	}
	return file, hdr, true
}

func (h *Handler) submitError(w http.ResponseWriter, r *http.Request, err error) {
	if submit.IsClientError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("submission failed", "error", err, "request_id", requestID(r))
	writeError(w, http.StatusInternalServerError, "failed to queue job")
}

// discard removes a staged document, retrying while it is still held open.
// It outlives a cancelled request but is bounded by DeleteAttempts.
func (h *Handler) discard(ctx context.Context, path string) {
	r := fsutil.Remover{Attempts: h.opts.DeleteAttempts, Delay: h.opts.DeleteDelay}
	if err := r.RemoveFile(ctx, path); err != nil {
		h.logger.Warn("could not delete staged document", "path", path, "error", err)
	}
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
