// Package queue is the queue substrate (C2): two durable queues, "analysis"
// and "execution", built on the persistent store gateway's atomic claim
// primitive (internal/store). It adds nothing to the storage contract
// itself — enqueue/claim/heartbeat/complete/fail_with_retry/reclaim are
// thin typed wrappers plus the shared worker-loop skeleton described in
// spec §4.2.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/store"
)

// Queue is a typed handle onto one of the two named queues.
type Queue struct {
	name  string
	store store.Store
}

// NewAnalysisQueue returns a handle onto the "analysis" queue.
func NewAnalysisQueue(s store.Store) *Queue { return &Queue{name: store.QueueAnalysis, store: s} }

// NewExecutionQueue returns a handle onto the "execution" queue.
func NewExecutionQueue(s store.Store) *Queue { return &Queue{name: store.QueueExecution, store: s} }

// Name returns the queue's name ("analysis" or "execution").
func (q *Queue) Name() string { return q.name }

// Enqueue creates a job with status=queued, attempts=0, visible_after=now
// (§4.2). payload must be *models.AnalysisJob for the analysis queue or
// *models.ExecutionJob for the execution queue. Idempotency is the
// caller's responsibility.
func (q *Queue) Enqueue(ctx context.Context, payload any, priority int) (string, error) {
	if priority == 0 {
		priority = models.PriorityNormal
	}
	id, err := q.store.Enqueue(ctx, q.name, payload, priority)
	if err != nil {
		return "", err
	}
	observability.EmitQueueEnqueue(&observability.QueueEnqueueEvent{Queue: q.name})
	observability.EmitJobQueued(&observability.JobQueuedEvent{Queue: q.name, JobID: id})
	return id, nil
}

// Claim attempts one atomic claim (§4.1). A nil job with a nil error means
// the queue is empty right now — the caller should sleep and retry.
func (q *Queue) Claim(ctx context.Context, workerID string, visibility time.Duration) (*store.Job, error) {
	job, err := q.store.ClaimNext(ctx, q.name, workerID, visibility)
	if err != nil || job == nil {
		return job, err
	}
	observability.EmitQueueDequeue(&observability.QueueDequeueEvent{Queue: q.name})
	observability.EmitRunAttempt(&observability.RunAttemptEvent{JobID: job.ID(), Attempt: job.Attempts()})
	return job, nil
}

// Heartbeat extends the visibility deadline for a claim this worker still
// holds; a no-op if workerID no longer owns the job.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, visibility time.Duration) error {
	return q.store.Heartbeat(ctx, q.name, jobID, workerID, visibility)
}

// Complete writes a terminal status and releases the claim.
func (q *Queue) Complete(ctx context.Context, jobID string, terminal models.JobStatus, fields map[string]any) error {
	return q.store.Complete(ctx, q.name, jobID, terminal, fields)
}

// FailWithRetry requeues the job (incrementing attempts happens on the next
// claim, per §4.1) if attempts remain, else moves it to failed (poison,
// §7).
func (q *Queue) FailWithRetry(ctx context.Context, jobID, lastError string, delay time.Duration, maxAttempts int) error {
	return q.store.FailWithRetry(ctx, q.name, jobID, lastError, delay, maxAttempts)
}

// ReclaimStale sweeps jobs stuck in running past their visibility deadline
// back to queued. ClaimNext already folds reclaim into the claim scan
// (§4.1), so this sweep exists for observability and for queues nobody is
// actively polling, not as the only path to recovery.
func (q *Queue) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	n, err := q.store.ReclaimStale(ctx, q.name, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale %s jobs: %w", q.name, err)
	}
	return n, nil
}
