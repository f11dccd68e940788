// Package observability provides diagnostic event types and emission.
//
// This is a lightweight, process-local pub/sub used for ops visibility (a
// `/admin/diagnostics` tap, a local CLI watcher) — distinct from the
// session-scoped, durable progress bus clients subscribe to over the
// streaming endpoint (internal/progress).
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticJobState represents the lifecycle state of a queued job.
type DiagnosticJobState string

const (
	JobStateQueued  DiagnosticJobState = "queued"
	JobStateRunning DiagnosticJobState = "running"
	JobStateWaiting DiagnosticJobState = "waiting"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeModelUsage          DiagnosticEventType = "model.usage"
	EventTypeJobQueued           DiagnosticEventType = "job.queued"
	EventTypeJobProcessed        DiagnosticEventType = "job.processed"
	EventTypeJobState            DiagnosticEventType = "job.state"
	EventTypeJobStuck            DiagnosticEventType = "job.stuck"
	EventTypeQueueEnqueue        DiagnosticEventType = "queue.enqueue"
	EventTypeQueueDequeue        DiagnosticEventType = "queue.dequeue"
	EventTypeRunAttempt          DiagnosticEventType = "run.attempt"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ModelUsageEvent tracks token usage for an LM request made by the router,
// reuse evaluator, or analysis worker.
type ModelUsageEvent struct {
	DiagnosticEvent
	SessionID  string          `json:"session_id,omitempty"`
	Component  string          `json:"component,omitempty"` // router | reuse_evaluator | analysis_worker
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      UsageDetails    `json:"usage"`
	Context    *ContextDetails `json:"context,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// UsageDetails contains token usage breakdown.
type UsageDetails struct {
	Input        int64 `json:"input,omitempty"`
	Output       int64 `json:"output,omitempty"`
	CacheRead    int64 `json:"cache_read,omitempty"`
	CacheWrite   int64 `json:"cache_write,omitempty"`
	PromptTokens int64 `json:"prompt_tokens,omitempty"`
	Total        int64 `json:"total,omitempty"`
}

// ContextDetails contains context window information.
type ContextDetails struct {
	Limit int64 `json:"limit,omitempty"`
	Used  int64 `json:"used,omitempty"`
}

// JobQueuedEvent tracks a job entering a queue (analysis or execution).
type JobQueuedEvent struct {
	DiagnosticEvent
	Queue      string `json:"queue"`
	JobID      string `json:"job_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	QueueDepth int    `json:"queue_depth,omitempty"`
}

// JobProcessedEvent tracks a job reaching a terminal outcome.
type JobProcessedEvent struct {
	DiagnosticEvent
	Queue      string `json:"queue"`
	JobID      string `json:"job_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Outcome    string `json:"outcome"` // succeeded | failed | timeout
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// JobStateEvent tracks a job's coarse state transition.
type JobStateEvent struct {
	DiagnosticEvent
	Queue      string             `json:"queue"`
	JobID      string             `json:"job_id,omitempty"`
	PrevState  DiagnosticJobState `json:"prev_state,omitempty"`
	State      DiagnosticJobState `json:"state"`
	Reason     string             `json:"reason,omitempty"`
	QueueDepth int                `json:"queue_depth,omitempty"`
}

// JobStuckEvent fires when a claimed job's visibility window has been
// extended past a configured threshold without completing — a candidate for
// /admin/requeue.
type JobStuckEvent struct {
	DiagnosticEvent
	Queue string             `json:"queue"`
	JobID string             `json:"job_id,omitempty"`
	State DiagnosticJobState `json:"state"`
	AgeMs int64              `json:"age_ms"`
}

// QueueEnqueueEvent tracks a raw enqueue onto a named queue.
type QueueEnqueueEvent struct {
	DiagnosticEvent
	Queue     string `json:"queue"`
	QueueSize int    `json:"queue_size"`
}

// QueueDequeueEvent tracks a raw claim from a named queue.
type QueueDequeueEvent struct {
	DiagnosticEvent
	Queue     string `json:"queue"`
	QueueSize int    `json:"queue_size"`
	WaitMs    int64  `json:"wait_ms"`
}

// RunAttemptEvent tracks one worker attempt at a job (§4.7/§4.8 attempts
// counter).
type RunAttemptEvent struct {
	DiagnosticEvent
	SessionID string `json:"session_id,omitempty"`
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
}

// DiagnosticHeartbeatEvent is a periodic snapshot of worker-pool occupancy.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	ActiveAnalyses   int `json:"active_analyses"`
	ActiveExecutions int `json:"active_executions"`
	QueuedAnalyses   int `json:"queued_analyses"`
	QueuedExecutions int `json:"queued_executions"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter manages diagnostic event emission.
type DiagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   bool
	listeners []DiagnosticListener
}

var globalEmitter = &DiagnosticEmitter{}

// SetDiagnosticsEnabled enables or disables diagnostic events.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener for diagnostic events.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.listeners = append(globalEmitter.listeners, listener)

	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		for i, l := range globalEmitter.listeners {
			if &l == &listener {
				globalEmitter.listeners = append(globalEmitter.listeners[:i], globalEmitter.listeners[i+1:]...)
				break
			}
		}
	}
}

func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, len(globalEmitter.listeners))
	copy(listeners, globalEmitter.listeners)
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				recover() // listener panics never take down a worker
			}()
			listener(event)
		}()
	}
}

// EmitModelUsage emits a model usage event.
func EmitModelUsage(e *ModelUsageEvent) {
	e.Type = EventTypeModelUsage
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitJobQueued emits a job queued event.
func EmitJobQueued(e *JobQueuedEvent) {
	e.Type = EventTypeJobQueued
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitJobProcessed emits a job processed event.
func EmitJobProcessed(e *JobProcessedEvent) {
	e.Type = EventTypeJobProcessed
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitJobState emits a job state event.
func EmitJobState(e *JobStateEvent) {
	e.Type = EventTypeJobState
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitJobStuck emits a job stuck event.
func EmitJobStuck(e *JobStuckEvent) {
	e.Type = EventTypeJobStuck
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitQueueEnqueue emits a queue enqueue event.
func EmitQueueEnqueue(e *QueueEnqueueEvent) {
	e.Type = EventTypeQueueEnqueue
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitQueueDequeue emits a queue dequeue event.
func EmitQueueDequeue(e *QueueDequeueEvent) {
	e.Type = EventTypeQueueDequeue
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunAttempt emits a run attempt event.
func EmitRunAttempt(e *RunAttemptEvent) {
	e.Type = EventTypeRunAttempt
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitDiagnosticHeartbeat emits a diagnostic heartbeat event.
func EmitDiagnosticHeartbeat(e *DiagnosticHeartbeatEvent) {
	e.Type = EventTypeDiagnosticHeartbeat
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// ResetDiagnosticsForTest resets diagnostic state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = nil
}
