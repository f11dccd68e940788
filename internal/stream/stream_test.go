package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/store"
)

func TestServeHTTPMissingSessionIDReturnsBadRequest(t *testing.T) {
	s := store.NewMemoryStore()
	bus := progress.NewBus(s, progress.Config{})
	h := NewHandler(Config{Bus: bus, Store: s})

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeHTTPForwardsEventsAndClosesOnTerminalMessage(t *testing.T) {
	s := store.NewMemoryStore()
	bus := progress.NewBus(s, progress.Config{PollInterval: 10 * time.Millisecond})

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	bus.Start(busCtx)
	defer bus.Stop()

	ctx := context.Background()
	sess := &models.ChatSession{UserID: "u1"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	msg := &models.ChatMessage{SessionID: sess.ID, Role: "user", Content: "q", Status: models.MessageStatusPending}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	h := NewHandler(Config{Bus: bus, Store: s, HeartbeatInterval: time.Hour})
	srv := httptest.NewServer(h)
	defer srv.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/stream?session_id="+sess.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if err := bus.Append(ctx, &models.ProgressEvent{SessionID: sess.ID, Type: models.ProgressEventGeneric, Message: "analysis_started"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := readDataLine(reader)
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if !strings.Contains(line, "analysis_started") {
		t.Fatalf("unexpected first event: %q", line)
	}

	completed := models.MessageStatusCompleted
	if err := s.UpdateMessageStatus(ctx, msg.ID, store.MessageUpdate{Status: completed}); err != nil {
		t.Fatalf("update message: %v", err)
	}
	if err := bus.Append(ctx, &models.ProgressEvent{SessionID: sess.ID, Type: models.ProgressEventExecutionStatus, Message: "execution_status:completed"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	line, err = readDataLine(reader)
	if err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if !strings.Contains(line, "execution_status:completed") {
		t.Fatalf("unexpected second event: %q", line)
	}

	// The message is now terminal; the handler should close the response
	// body rather than keep streaming. EOF (or a read error once the
	// server closes the connection) indicates this.
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatal("expected the stream to close after a terminal event")
	}
}

func readDataLine(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "data: ") {
			return line, nil
		}
	}
}
