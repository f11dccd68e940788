package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/store"
)

func TestQueueEnqueueClaimRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	q := NewAnalysisQueue(s)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &models.AnalysisJob{SessionID: "s1", UserText: "hi"}, models.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.Claim(ctx, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID() != id {
		t.Fatalf("expected claim of %s, got %+v", id, job)
	}
	if job.AnalysisJob.SessionID != "s1" || job.AnalysisJob.UserText != "hi" {
		t.Fatalf("payload mismatch (modulo claim fields): %+v", job.AnalysisJob)
	}
}

func TestWorkerDrainsQueueWithoutDoubleClaim(t *testing.T) {
	s := store.NewMemoryStore()
	q := NewExecutionQueue(s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const total = 20
	for i := 0; i < total; i++ {
		if _, err := q.Enqueue(ctx, &models.ExecutionJob{SessionID: "s1"}, models.PriorityNormal); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var processed int64
	seen := make(map[string]bool)
	var seenMu sync.Mutex
	handler := func(ctx context.Context, job *JobHandle) (map[string]any, Outcome, error) {
		seenMu.Lock()
		if seen[job.ID()] {
			seenMu.Unlock()
			t.Errorf("job %s claimed twice", job.ID())
			return nil, OutcomeTerminalFailure, errors.New("double claim")
		}
		seen[job.ID()] = true
		seenMu.Unlock()
		atomic.AddInt64(&processed, 1)
		return nil, OutcomeSucceeded, nil
	}

	w := NewWorker(q, handler, Config{
		WorkerID:      "worker-a",
		PollInterval:  10 * time.Millisecond,
		Visibility:    time.Second,
		MaxConcurrent: 3,
	})
	w.Start(ctx)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&processed) == total {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = w.Stop(context.Background())

	if got := atomic.LoadInt64(&processed); got != total {
		t.Fatalf("expected %d jobs processed, got %d", total, got)
	}
}

func TestWorkerRetriableFailureRequeues(t *testing.T) {
	s := store.NewMemoryStore()
	q := NewAnalysisQueue(s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := q.Enqueue(ctx, &models.AnalysisJob{SessionID: "s1"}, models.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var attempts int64
	handler := func(ctx context.Context, job *JobHandle) (map[string]any, Outcome, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			return nil, OutcomeRetriable, errors.New("transient")
		}
		return nil, OutcomeSucceeded, nil
	}

	w := NewWorker(q, handler, Config{
		WorkerID:      "worker-a",
		PollInterval:  5 * time.Millisecond,
		Visibility:    time.Second,
		MaxConcurrent: 1,
		RetryDelay:    0,
		MaxRetries:    3,
	})
	w.Start(ctx)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&attempts) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = w.Stop(context.Background())

	if got := atomic.LoadInt64(&attempts); got < 2 {
		t.Fatalf("expected at least 2 attempts (1 retry), got %d", got)
	}
}
