package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
	"github.com/kirillkom/docqa-indexer/internal/observability/metrics"
)

// UploadLoader turns uploaded files into documents for ephemeral answering.
type UploadLoader interface {
	LoadFile(ctx context.Context, path string) (domain.Document, error)
	Supports(name string) bool
}

// IngestRequester enqueues an ingestion pass for the worker.
type IngestRequester interface {
	RequestIngest(ctx context.Context, reason string) (string, error)
}

type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]domain.IngestionReport, error)
}

type Options struct {
	DefaultTemperature float64
	MaxUploadBytes     int64
	RateLimitRPS       float64
	RateLimitBurst     int
	MaxInFlight        int
	BackpressureWait   time.Duration

	Metrics *metrics.HTTPServerMetrics
	Queue   IngestRequester
	Runs    RunHistory
}

type Router struct {
	ingestor  ports.Ingestor
	retriever ports.Retriever
	answerer  ports.QuestionAnswerer
	inspector ports.IndexInspector
	uploads   UploadLoader
	opts      Options
}

func NewRouter(
	ingestor ports.Ingestor,
	retriever ports.Retriever,
	answerer ports.QuestionAnswerer,
	inspector ports.IndexInspector,
	uploads UploadLoader,
	opts Options,
) *Router {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = 250 * time.Millisecond
	}
	return &Router{
		ingestor:  ingestor,
		retriever: retriever,
		answerer:  answerer,
		inspector: inspector,
		uploads:   uploads,
		opts:      opts,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/query", rt.query)
	mux.HandleFunc("POST /v1/ask", rt.ask)
	mux.HandleFunc("POST /v1/ephemeral/ask", rt.askEphemeral)
	mux.HandleFunc("POST /v1/ingest", rt.ingest)
	mux.HandleFunc("GET /v1/index/status", rt.indexStatus)
	if rt.opts.Runs != nil {
		mux.HandleFunc("GET /v1/index/runs", rt.indexRuns)
	}

	var handler http.Handler = mux
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
		handler = rt.opts.Metrics.Middleware(handler)
	}
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, rt.opts.BackpressureWait)
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	start := time.Now()
	result, err := rt.retriever.Query(r.Context(), req.Query, req.K)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordRetrieval("query", string(result.Status), len(result.Hits), time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

type askPayload struct {
	Question    string   `json:"question"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	K           int      `json:"k"`
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var payload askPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	start := time.Now()
	req := rt.askRequest(payload)
	answer, err := rt.answerer.Ask(r.Context(), req)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	rt.observeAnswer("ask", req.Model, answer, start)
	writeJSON(w, http.StatusOK, answer)
}

// askEphemeral answers from uploaded files only. Nothing is written to the durable store.
func (rt *Router) askEphemeral(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(rt.opts.MaxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "multipart form with 'file' parts is required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	payload := askPayload{
		Question: r.FormValue("question"),
		Model:    r.FormValue("model"),
	}
	if raw := r.FormValue("temperature"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "temperature must be a number")
			return
		}
		payload.Temperature = &t
	}
	if raw := r.FormValue("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "k must be an integer")
			return
		}
		payload.K = k
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, r, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}

	start := time.Now()
	docs, err := rt.loadUploads(r.Context(), files)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	req := rt.askRequest(payload)
	answer, err := rt.answerer.AskDocuments(r.Context(), docs, req)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	rt.observeAnswer("ephemeral_ask", req.Model, answer, start)
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) loadUploads(ctx context.Context, files []*multipart.FileHeader) ([]domain.Document, error) {
	dir, err := os.MkdirTemp("", "docqa-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	defer os.RemoveAll(dir)

	docs := make([]domain.Document, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if name == "." || name == string(filepath.Separator) || !rt.uploads.Supports(name) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "load upload", fmt.Errorf("unsupported file %q", fh.Filename))
		}
		path := filepath.Join(dir, name)
		if err := saveUpload(fh, path); err != nil {
			return nil, err
		}
		doc, err := rt.uploads.LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "open upload", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy upload: %w", err)
	}
	return dst.Close()
}

func (rt *Router) ingest(w http.ResponseWriter, r *http.Request) {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		if rt.opts.Queue == nil {
			writeError(w, r, http.StatusBadRequest, "async ingestion requires a configured queue")
			return
		}
		requestID, err := rt.opts.Queue.RequestIngest(r.Context(), "http:"+requestIDFromContext(r.Context()))
		if err != nil {
			rt.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID, "status": "queued"})
		return
	}

	report, err := rt.ingestor.Run(r.Context())
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		logFailure(r, status, err)
		writeJSON(w, status, map[string]any{
			"error":      err.Error(),
			"request_id": requestIDFromContext(r.Context()),
			"report":     report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) indexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rt.inspector.Status(r.Context())
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (rt *Router) indexRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := rt.opts.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		rt.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (rt *Router) askRequest(p askPayload) domain.AskRequest {
	temperature := rt.opts.DefaultTemperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	return domain.AskRequest{
		Question:    p.Question,
		Model:       p.Model,
		Temperature: temperature,
		K:           p.K,
	}
}

func (rt *Router) observeAnswer(endpoint, model string, answer *domain.Answer, start time.Time) {
	if rt.opts.Metrics == nil {
		return
	}
	rt.opts.Metrics.RecordRetrieval(endpoint, string(domain.RetrievalReady), len(answer.Sources), time.Since(start))
	rt.opts.Metrics.RecordAnswer(endpoint, model)
}

func (rt *Router) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	logFailure(r, status, err)
	if errors.Is(err, context.Canceled) {
		return
	}
	writeError(w, r, status, err.Error())
}

func logFailure(r *http.Request, status int, err error) {
	attrs := []any{"request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "status", status, "error", err}
	if status >= 500 {
		slog.Error("http_handler_failed", attrs...)
		return
	}
	slog.Warn("http_handler_failed", attrs...)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      strings.TrimSpace(message),
		"request_id": requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
