package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantloft/orcad/internal/intake"
	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/queue"
	"github.com/quantloft/orcad/internal/sessioncache"
	"github.com/quantloft/orcad/internal/store"
	"github.com/quantloft/orcad/internal/stream"
	"github.com/quantloft/orcad/internal/vectorindex"
)

func newHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	bus := progress.NewBus(s, progress.Config{})
	disp := intake.New(intake.Config{
		Sessions:       sessioncache.New(s, sessioncache.Config{}),
		Store:          s,
		RouterProvider: &llm.FakeProvider{},
		ReuseProvider:  &llm.FakeProvider{},
		VectorIndex:    &vectorindex.FakeIndex{},
		AnalysisQueue:  queue.NewAnalysisQueue(s),
		ExecutionQueue: queue.NewExecutionQueue(s),
		Bus:            bus,
	})
	streamHandler := stream.NewHandler(stream.Config{Bus: bus, Store: s})

	return NewHandler(Config{Intake: disp, Stream: streamHandler, Store: s}), s
}

func TestHandleSubmitAcceptsNewConversation(t *testing.T) {
	h, _ := newHandler(t)

	body, _ := json.Marshal(submitRequest{UserID: "u1", Text: "what is AAPL's revenue"})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(intake.StatusAccepted) {
		t.Fatalf("expected accepted, got %q", resp.Status)
	}
	if resp.SessionID == "" || resp.MessageID == "" {
		t.Fatalf("expected session_id and message_id, got %+v", resp)
	}
}

func TestHandleSubmitRejectsMissingFields(t *testing.T) {
	h, _ := newHandler(t)

	body, _ := json.Marshal(submitRequest{UserID: "u1"})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSessionReturnsMetadataAndMessages(t *testing.T) {
	h, s := newHandler(t)

	body, _ := json.Marshal(submitRequest{UserID: "u1", Text: "what is AAPL's revenue"})
	submitReq := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	submitRec := httptest.NewRecorder()
	h.ServeHTTP(submitRec, submitReq)

	var submitResp submitResponse
	if err := json.Unmarshal(submitRec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/session/"+submitResp.SessionID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Session == nil || resp.Session.ID != submitResp.SessionID {
		t.Fatalf("unexpected session: %+v", resp.Session)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(resp.Messages))
	}

	_ = s
}

func TestHandleSessionNotFound(t *testing.T) {
	h, _ := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/session/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleAnalysisReturnsRecord(t *testing.T) {
	h, s := newHandler(t)

	analysis := &models.Analysis{OwnerUserID: "u1", Title: "AAPL revenue", Status: models.AnalysisStatusSuccess, Result: map[string]any{"revenue": 1}}
	if err := s.CreateAnalysis(context.Background(), analysis); err != nil {
		t.Fatalf("create analysis: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/analysis/"+analysis.ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got models.Analysis
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != analysis.ID {
		t.Fatalf("unexpected analysis: %+v", got)
	}
}

func TestHandleRequeueResetsTerminalJob(t *testing.T) {
	h, s := newHandler(t)
	ctx := context.Background()

	jobID, err := s.Enqueue(ctx, store.QueueExecution, &models.ExecutionJob{AnalysisID: "a1"}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimNext(ctx, store.QueueExecution, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Complete(ctx, store.QueueExecution, jobID, models.JobStatusFailed, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/requeue/"+jobID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	requeued, err := s.ClaimNext(ctx, store.QueueExecution, "w2", time.Minute)
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if requeued == nil || requeued.ID() != jobID {
		t.Fatalf("expected requeued job to be claimable, got %+v", requeued)
	}
}

func TestHandleRequeueUnknownJobReturnsNotFound(t *testing.T) {
	h, _ := newHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/requeue/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
