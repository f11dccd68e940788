package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/store"
	"github.com/robfig/cron/v3"
)

// Outcome classifies how a claimed job's handler finished, driving which
// of complete/fail_with_retry the worker loop calls (§4.2, §7).
type Outcome int

const (
	// OutcomeSucceeded completes the job as succeeded.
	OutcomeSucceeded Outcome = iota
	// OutcomeRetriable calls fail_with_retry; the job requeues if attempts
	// remain, else becomes poison (§7).
	OutcomeRetriable
	// OutcomeTerminalFailure completes the job as failed with no retry —
	// a validation-class error (§7).
	OutcomeTerminalFailure
)

// Handler processes one claimed job. It returns the fields to attach on
// success, the outcome classification, and an error describing failure
// (used as the job's last_error on retry/terminal paths).
type Handler func(ctx context.Context, job *JobHandle) (fields map[string]any, outcome Outcome, err error)

// JobHandle is the claimed job plus enough context for the handler to
// know its own identity.
type JobHandle struct {
	*store.Job
	WorkerID string
}

// Config tunes one worker's concurrency and retry policy.
type Config struct {
	WorkerID      string
	PollInterval  time.Duration
	Visibility    time.Duration
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration
	// CleanupInterval governs the periodic ReclaimStale sweep; 0 disables it.
	CleanupInterval time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 120 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.Visibility
	}
}

// Worker runs the claim/heartbeat/complete loop described in §4.2 against
// one Queue, dispatching each claim to a Handler with up to MaxConcurrent
// handlers running at once.
type Worker struct {
	queue   *Queue
	handler Handler
	config  Config

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	sweep  *cron.Cron

	mu      sync.RWMutex
	running bool
}

// NewWorker builds a Worker over q; config zero-values take §6's defaults.
func NewWorker(q *Queue, handler Handler, config Config) *Worker {
	config.applyDefaults()
	return &Worker{
		queue:   q,
		handler: handler,
		config:  config,
		sem:     make(chan struct{}, config.MaxConcurrent),
	}
}

// Start launches the poll loop and the cleanup sweep; it returns
// immediately, work happens on background goroutines until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.pollLoop(ctx)

	if w.config.CleanupInterval > 0 {
		w.sweep = cron.New()
		_, err := w.sweep.AddFunc(fmt.Sprintf("@every %s", w.config.CleanupInterval), func() {
			w.runReclaimSweep(ctx)
		})
		if err == nil {
			w.sweep.Start()
		} else if w.config.Logger != nil {
			w.config.Logger.Error(ctx, "reclaim sweep schedule rejected", "queue", w.queue.Name(), "error", err)
		}
	}
}

// Stop cancels background work and waits for in-flight handlers to return
// or ctx to expire, whichever comes first.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	if w.sweep != nil {
		<-w.sweep.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.tryClaimAndRun(ctx) {
			continue // work was claimed; poll again immediately
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tryClaimAndRun attempts one claim if concurrency capacity is available.
// It reports whether a job was claimed (regardless of outcome), so the
// caller can poll again immediately rather than idling.
func (w *Worker) tryClaimAndRun(ctx context.Context) bool {
	select {
	case w.sem <- struct{}{}:
	default:
		return false // at max concurrency this cycle
	}

	claimed, err := w.queue.Claim(ctx, w.config.WorkerID, w.config.Visibility)
	if err != nil {
		<-w.sem
		if w.config.Logger != nil {
			w.config.Logger.Error(ctx, "claim failed", "queue", w.queue.Name(), "error", err)
		}
		return false
	}
	if claimed == nil {
		<-w.sem
		return false
	}
	job := &JobHandle{Job: claimed, WorkerID: w.config.WorkerID}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.runHandler(ctx, job)
	}()
	return true
}

func (w *Worker) runHandler(ctx context.Context, job *JobHandle) {
	start := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, job)

	fields, outcome, err := w.handler(ctx, job)

	var outcomeLabel string
	switch outcome {
	case OutcomeSucceeded:
		outcomeLabel = "succeeded"
		if cerr := w.queue.Complete(ctx, job.ID(), models.JobStatusSucceeded, fields); cerr != nil && w.config.Logger != nil {
			w.config.Logger.Error(ctx, "complete failed", "job_id", job.ID(), "error", cerr)
		}
	case OutcomeRetriable:
		outcomeLabel = "failed"
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if rerr := w.queue.FailWithRetry(ctx, job.ID(), errMsg, w.config.RetryDelay, w.config.MaxRetries); rerr != nil && w.config.Logger != nil {
			w.config.Logger.Error(ctx, "fail_with_retry failed", "job_id", job.ID(), "error", rerr)
		}
	case OutcomeTerminalFailure:
		outcomeLabel = "failed"
		if cerr := w.queue.Complete(ctx, job.ID(), models.JobStatusFailed, fields); cerr != nil && w.config.Logger != nil {
			w.config.Logger.Error(ctx, "complete (terminal failure) failed", "job_id", job.ID(), "error", cerr)
		}
	}

	duration := time.Since(start)
	if w.config.Metrics != nil {
		w.config.Metrics.JobCompleted(w.queue.Name(), outcomeLabel, duration.Seconds())
	}
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	observability.EmitJobProcessed(&observability.JobProcessedEvent{
		Queue:      w.queue.Name(),
		JobID:      job.ID(),
		DurationMs: duration.Milliseconds(),
		Outcome:    outcomeLabel,
		Error:      errStr,
	})
}

// heartbeatLoop extends the claim's visibility deadline at T/3 (§4.2) while
// the handler runs.
func (w *Worker) heartbeatLoop(ctx context.Context, job *JobHandle) {
	interval := w.config.Visibility / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.queue.Heartbeat(ctx, job.ID(), w.config.WorkerID, w.config.Visibility)
		}
	}
}

// runReclaimSweep is invoked by the cron schedule in Start; it sweeps jobs
// stuck past their visibility deadline back to queued (§4.2, §7).
func (w *Worker) runReclaimSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.queue.ReclaimStale(ctx, time.Now())
	if err != nil {
		if w.config.Logger != nil {
			w.config.Logger.Error(ctx, "reclaim stale failed", "queue", w.queue.Name(), "error", err)
		}
		return
	}
	if n > 0 {
		if w.config.Metrics != nil {
			for i := 0; i < n; i++ {
				w.config.Metrics.JobReclaimed(w.queue.Name())
			}
		}
		if w.config.Logger != nil {
			w.config.Logger.Warn(ctx, "reclaimed stale jobs", "queue", w.queue.Name(), "count", n)
		}
	}
}
