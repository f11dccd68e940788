// Package httpapi is the client-facing HTTP surface (§6): it wires the
// intake dispatcher (C10) and the client stream endpoint (C9) behind
// net/http, alongside read-only session/analysis lookups and the admin
// requeue operation. Auth, CORS, and other HTTP boilerplate are out of
// scope; this package assumes it runs behind whatever middleware a
// deployment wants to layer on top of Mount.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quantloft/orcad/internal/intake"
	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/store"
	"github.com/quantloft/orcad/internal/stream"
)

// maxRequestBodyBytes bounds POST /submit bodies.
const maxRequestBodyBytes = 1 << 20

// DefaultSessionMessageLimit is how many trailing messages GET /session/{id}
// returns when the request doesn't specify limit.
const DefaultSessionMessageLimit = 50

// Config bundles the handler's collaborators.
type Config struct {
	Intake *intake.Dispatcher
	Stream *stream.Handler
	Store  store.Store
	Logger *observability.Logger
}

// Handler is the full §6 HTTP surface.
type Handler struct {
	cfg Config
	mux *http.ServeMux
}

// NewHandler builds a Handler and registers its routes.
func NewHandler(cfg Config) *Handler {
	h := &Handler{cfg: cfg, mux: http.NewServeMux()}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("/submit", h.handleSubmit)
	h.mux.HandleFunc("/stream", h.cfg.Stream.ServeHTTP)
	h.mux.HandleFunc("/session/", h.handleSession)
	h.mux.HandleFunc("/analysis/", h.handleAnalysis)
	h.mux.HandleFunc("/admin/requeue/", h.handleRequeue)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// submitRequest is POST /submit's body (§6).
type submitRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

// submitResponse is POST /submit's response shape (§6).
type submitResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Reply     string `json:"reply,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if code, err := h.decodeJSONRequest(w, r, &req); err != nil {
		h.jsonError(w, err.Error(), code)
		return
	}
	if req.UserID == "" || req.Text == "" {
		h.jsonError(w, "user_id and text are required", http.StatusBadRequest)
		return
	}

	res, err := h.cfg.Intake.Submit(r.Context(), req.SessionID, req.UserID, req.Text)
	if err != nil {
		h.logError(r, "submit failed", err)
		h.jsonError(w, "submit failed", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, http.StatusOK, submitResponse{
		SessionID: res.SessionID,
		MessageID: res.MessageID,
		Status:    string(res.Status),
		Reply:     res.Reply,
	})
}

// sessionResponse is GET /session/{id}'s response shape (§6: "session
// metadata and the last N messages").
type sessionResponse struct {
	Session  *models.ChatSession   `json:"session"`
	Messages []*models.ChatMessage `json:"messages"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/session/")
	if id == "" {
		h.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}

	sess, err := h.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, r, err, "session")
		return
	}

	limit := DefaultSessionMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, perr := parsePositiveInt(raw); perr == nil {
			limit = n
		}
	}
	messages, err := h.cfg.Store.ListSessionMessages(r.Context(), id, limit)
	if err != nil {
		h.logError(r, "list session messages failed", err)
		h.jsonError(w, "failed to load messages", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, http.StatusOK, sessionResponse{Session: sess, Messages: messages})
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/analysis/")
	if id == "" {
		h.jsonError(w, "analysis id required", http.StatusBadRequest)
		return
	}

	analysis, err := h.cfg.Store.GetAnalysis(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, r, err, "analysis")
		return
	}
	h.jsonResponse(w, http.StatusOK, analysis)
}

type requeueResponse struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
	OK    bool   `json:"ok"`
}

// handleRequeue resets a terminal job back to queued (§6). The queue isn't
// part of the path (job ids are opaque to the client), so this tries both
// durable queues and reports whichever one had the job.
func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/admin/requeue/")
	if jobID == "" {
		h.jsonError(w, "job id required", http.StatusBadRequest)
		return
	}

	for _, q := range []string{store.QueueAnalysis, store.QueueExecution} {
		err := h.cfg.Store.RequeueJob(r.Context(), q, jobID)
		if err == nil {
			h.jsonResponse(w, http.StatusOK, requeueResponse{JobID: jobID, Queue: q, OK: true})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logError(r, "requeue failed", err)
			h.jsonError(w, "requeue failed", http.StatusInternalServerError)
			return
		}
	}
	h.jsonError(w, "job not found", http.StatusNotFound)
}

func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		h.jsonError(w, what+" not found", http.StatusNotFound)
		return
	}
	h.logError(r, "load "+what+" failed", err)
	h.jsonError(w, "failed to load "+what, http.StatusInternalServerError)
}

func (h *Handler) decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, err
		}
		return http.StatusBadRequest, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return http.StatusBadRequest, errors.New("unexpected trailing data in request body")
	}
	return 0, nil
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && h.cfg.Logger != nil {
		h.cfg.Logger.Error(context.Background(), "json encode failed", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *Handler) logError(r *http.Request, msg string, err error) {
	if h.cfg.Logger == nil {
		return
	}
	h.cfg.Logger.Error(r.Context(), msg, "error", err)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("invalid integer")
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

// LoggingMiddleware logs method/path/status/duration for every request, the
// same shape as the teacher's request logger.
func LoggingMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if logger != nil {
				logger.Info(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
