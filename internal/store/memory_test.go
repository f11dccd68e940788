package store

import (
	"context"
	"testing"
	"time"

	"github.com/quantloft/orcad/internal/models"
)

func TestMemoryStoreMessageCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess := &models.ChatSession{UserID: "trader1"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected session id to be assigned")
	}

	msg := &models.ChatMessage{SessionID: sess.ID, Role: "user", Content: "hello", Status: models.MessageStatusPending}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := s.AppendSessionMessage(ctx, sess.ID, msg.ID); err != nil {
		t.Fatalf("append session message: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("expected content %q, got %q", "hello", got.Content)
	}

	qt := models.QueryTypeComplete
	if err := s.UpdateMessageStatus(ctx, msg.ID, MessageUpdate{Status: models.MessageStatusCompleted, QueryType: &qt}); err != nil {
		t.Fatalf("update message status: %v", err)
	}
	got, _ = s.GetMessage(ctx, msg.ID)
	if got.Status != models.MessageStatusCompleted || got.QueryType != models.QueryTypeComplete {
		t.Fatalf("update did not apply, got %+v", got)
	}

	// Mutating the returned pointer must not affect the stored copy.
	got.Content = "mutated"
	got2, _ := s.GetMessage(ctx, msg.ID)
	if got2.Content == "mutated" {
		t.Fatal("GetMessage leaked internal state to caller")
	}
}

func TestMemoryStoreListSessionMessagesOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &models.ChatSession{UserID: "trader1"}
	_ = s.CreateSession(ctx, sess)

	for i := 0; i < 3; i++ {
		m := &models.ChatMessage{SessionID: sess.ID, Role: "user", Content: "msg", Status: models.MessageStatusPending}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
	}

	msgs, err := s.ListSessionMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("messages not in insertion order")
		}
	}
}

func TestMemoryStoreClaimNextIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.Enqueue(ctx, QueueAnalysis, &models.AnalysisJob{SessionID: "s1", UserText: "q"}, models.PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := s.ClaimNext(ctx, QueueAnalysis, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID() != id {
		t.Fatalf("expected to claim job %s, got %+v", id, job)
	}
	if job.AnalysisJob.Attempts != 1 {
		t.Fatalf("expected attempts=1 after first claim, got %d", job.AnalysisJob.Attempts)
	}

	// A second claim immediately after must see nothing: the job is running
	// and its visibility deadline has not lapsed.
	again, err := s.ClaimNext(ctx, QueueAnalysis, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no claimable job, got %+v", again)
	}
}

func TestMemoryStoreReclaimAfterVisibilityLapses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	_, err := s.Enqueue(ctx, QueueExecution, &models.ExecutionJob{SessionID: "s1"}, models.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, QueueExecution, "worker-a", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Advance the clock past the visibility deadline; worker-a never heartbeats.
	fakeNow = fakeNow.Add(2 * time.Second)

	job, err := s.ClaimNext(ctx, QueueExecution, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if job == nil {
		t.Fatal("expected worker-b to reclaim the expired job")
	}
	if job.ExecutionJob.Attempts != 2 {
		t.Fatalf("expected attempts=2 after reclaim, got %d", job.ExecutionJob.Attempts)
	}
	if job.ExecutionJob.ClaimedBy != "worker-b" {
		t.Fatalf("expected claimed_by=worker-b, got %q", job.ExecutionJob.ClaimedBy)
	}
}

func TestMemoryStoreHeartbeatExtendsOnlyForOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	_, _ = s.Enqueue(ctx, QueueAnalysis, &models.AnalysisJob{SessionID: "s1"}, models.PriorityNormal)
	job, _ := s.ClaimNext(ctx, QueueAnalysis, "worker-a", time.Second)

	if err := s.Heartbeat(ctx, QueueAnalysis, job.ID(), "worker-b", time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// worker-b is not the owner; the job's original (short) visibility
	// window must stand, not worker-b's requested minute-long extension.
	fakeNow = fakeNow.Add(2 * time.Second)
	again, _ := s.ClaimNext(ctx, QueueAnalysis, "worker-c", time.Second)
	if again == nil {
		t.Fatal("expected worker-c to reclaim: worker-b's heartbeat must have been a no-op")
	}
}

func TestMemoryStoreFailWithRetryThenPoison(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Enqueue(ctx, QueueAnalysis, &models.AnalysisJob{SessionID: "s1"}, models.PriorityNormal)
	job, _ := s.ClaimNext(ctx, QueueAnalysis, "worker-a", time.Minute)

	if err := s.FailWithRetry(ctx, QueueAnalysis, job.ID(), "boom", 0, 3); err != nil {
		t.Fatalf("fail with retry: %v", err)
	}
	retried, err := s.ClaimNext(ctx, QueueAnalysis, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
	if retried == nil || retried.AnalysisJob.Attempts != 2 {
		t.Fatalf("expected the retried job claimable with attempts=2, got %+v", retried)
	}

	if err := s.FailWithRetry(ctx, QueueAnalysis, retried.ID(), "boom again", 0, 2); err != nil {
		t.Fatalf("fail with retry (poison): %v", err)
	}
	poisoned, err := s.ClaimNext(ctx, QueueAnalysis, "worker-c", time.Minute)
	if err != nil {
		t.Fatalf("claim after poison: %v", err)
	}
	if poisoned != nil {
		t.Fatal("expected the poisoned job to no longer be claimable")
	}
}

func TestMemoryStoreProgressBusAppendOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendProgressEvent(ctx, &models.ProgressEvent{
			SessionID: "s1",
			Type:      models.ProgressEventGeneric,
			Level:     models.ProgressLevelInfo,
			Message:   "tick",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := s.PollUnprocessedEvents(ctx, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 unprocessed events, got %d", len(events))
	}
	for _, e := range events {
		if err := s.MarkProcessed(ctx, e.ID); err != nil {
			t.Fatalf("mark processed: %v", err)
		}
	}
	events, _ = s.PollUnprocessedEvents(ctx, 0)
	if len(events) != 0 {
		t.Fatalf("expected no unprocessed events after marking, got %d", len(events))
	}
}

func TestMemoryStoreCacheExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	if err := s.CachePut(ctx, &models.CacheEntry{
		Key:       "k1",
		Result:    map[string]any{"ok": true},
		ExpiresAt: fakeNow.Add(time.Second),
	}); err != nil {
		t.Fatalf("cache put: %v", err)
	}

	if _, err := s.CacheGet(ctx, "k1"); err != nil {
		t.Fatalf("expected cache hit before expiry, got %v", err)
	}

	fakeNow = fakeNow.Add(2 * time.Second)
	if _, err := s.CacheGet(ctx, "k1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryStoreCacheInvalidateByAnalysis(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CachePut(ctx, &models.CacheEntry{Key: "k1", AnalysisID: "a1", ExpiresAt: time.Now().Add(time.Hour)})
	_ = s.CachePut(ctx, &models.CacheEntry{Key: "k2", AnalysisID: "a2", ExpiresAt: time.Now().Add(time.Hour)})

	if err := s.CacheInvalidateByAnalysis(ctx, "a1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := s.CacheGet(ctx, "k1"); err != ErrNotFound {
		t.Fatal("expected k1 to be invalidated")
	}
	if _, err := s.CacheGet(ctx, "k2"); err != nil {
		t.Fatal("expected k2 to remain")
	}
}
