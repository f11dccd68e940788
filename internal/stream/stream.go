// Package stream is the client stream endpoint (C9): a long-lived
// Server-Sent-Events subscription that drains the progress bus (C3) for
// one session and forwards events to the connected client (§4.9).
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/store"
)

// DefaultHeartbeatInterval matches §6's heartbeat_seconds default (15s).
const DefaultHeartbeatInterval = 15 * time.Second

// Config bundles the handler's collaborators.
type Config struct {
	Bus               *progress.Bus
	Store             store.Store
	HeartbeatInterval time.Duration
	Logger            *observability.Logger
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Handler serves GET /stream?session_id=….
type Handler struct {
	cfg Config
}

// NewHandler builds a Handler; config zero-values take §6's defaults.
func NewHandler(cfg Config) *Handler {
	cfg.applyDefaults()
	return &Handler{cfg: cfg}
}

// wireEvent is the JSON shape sent for every SSE data line (§6).
type wireEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ServeHTTP registers a subscription with C3 and forwards every event to
// the client until disconnect or a terminal event for the session's most
// recent message (§4.9). A client disconnect cancels only this
// subscription; in-flight work is unaffected (§5).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.cfg.Bus.Subscribe(sessionID)
	defer h.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if !h.writeEvent(w, flusher, evt) {
				return
			}
			if h.isTerminalForSession(ctx, evt) {
				return
			}
		case <-ticker.C:
			if !h.writeHeartbeat(w, flusher) {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, flusher http.Flusher, evt *models.ProgressEvent) bool {
	payload, err := json.Marshal(wireEvent{
		ID:        evt.ID,
		Type:      string(evt.Type),
		Level:     string(evt.Level),
		Message:   evt.Message,
		Timestamp: evt.Timestamp,
		Details:   evt.Details,
	})
	if err != nil {
		if h.cfg.Logger != nil {
			h.cfg.Logger.Error(context.Background(), "marshal progress event failed", "error", err)
		}
		return true
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func (h *Handler) writeHeartbeat(w http.ResponseWriter, flusher http.Flusher) bool {
	if _, err := w.Write([]byte(`data: {"type":"heartbeat"}` + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// isTerminalForSession reports whether evt closes the stream: a generic
// progress event carries no message-status information of its own, so this
// looks up the session's most recent message and checks whether it has
// reached a terminal status (§4.9: "close ... on a terminal event for the
// correlated message").
func (h *Handler) isTerminalForSession(ctx context.Context, evt *models.ProgressEvent) bool {
	messages, err := h.cfg.Store.ListSessionMessages(ctx, evt.SessionID, 1)
	if err != nil || len(messages) == 0 {
		return false
	}
	return messages[0].Status.IsTerminal()
}
