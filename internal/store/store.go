// Package store is the persistent store gateway (C1): the only component
// that touches durable storage. It exposes typed operations, each either a
// pure read or a single atomic write — no multi-document transactions are
// required by the design. Queue substrates, the progress bus, and the
// session cache are all built on top of this package rather than touching
// storage directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quantloft/orcad/internal/models"
)

// ErrNotFound is returned by get-by-id operations when no row matches.
var ErrNotFound = errors.New("store: not found")

// Queue names recognized by the claim operations (C2's two durable queues).
const (
	QueueAnalysis  = "analysis"
	QueueExecution = "execution"
)

// Job is the generic claimable unit returned by ClaimNext. Exactly one of
// AnalysisJob/ExecutionJob is populated, matching Queue.
type Job struct {
	Queue        string
	AnalysisJob  *models.AnalysisJob
	ExecutionJob *models.ExecutionJob
}

// ID returns the claimed job's id regardless of queue.
func (j *Job) ID() string {
	if j == nil {
		return ""
	}
	if j.AnalysisJob != nil {
		return j.AnalysisJob.ID
	}
	if j.ExecutionJob != nil {
		return j.ExecutionJob.ID
	}
	return ""
}

// Attempts returns the claimed job's current attempt count.
func (j *Job) Attempts() int {
	if j == nil {
		return 0
	}
	if j.AnalysisJob != nil {
		return j.AnalysisJob.Attempts
	}
	if j.ExecutionJob != nil {
		return j.ExecutionJob.Attempts
	}
	return 0
}

// MessageUpdate carries the fields update_message_status is permitted to
// change. Zero-value fields are left untouched except where a pointer makes
// "clear this field" distinguishable from "leave it alone".
type MessageUpdate struct {
	Status           models.MessageStatus
	QueryType        *models.QueryType
	ExpandedText     *string
	AnalysisID       *string
	AnalysisSnapshot *models.Analysis
	GeneratedScript  *string
	ToolsInvoked     []string
	Metadata         map[string]any
}

// AnalysisUpdate carries the fields update_analysis is permitted to change.
// SimilarQueries, when non-nil, replaces the analysis's full list — callers
// that want to append compute the new slice themselves (e.g. the reuse path
// appending the reusing query onto the template's existing list).
type AnalysisUpdate struct {
	Status          *models.AnalysisStatus
	Result          map[string]any
	Error           *string
	ExecutionTimeMS *int64
	ReuseCount      *int
	SimilarQueries  []string
}

// Store is the full C1 surface. Implementations: MemoryStore (tests, single
// process dev), PostgresStore (lib/pq), SQLiteStore (modernc.org/sqlite).
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.ChatSession) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	AppendSessionMessage(ctx context.Context, sessionID, messageID string) error
	AppendSessionAnalysis(ctx context.Context, sessionID, analysisID string) error

	// Messages
	CreateMessage(ctx context.Context, m *models.ChatMessage) error
	GetMessage(ctx context.Context, id string) (*models.ChatMessage, error)
	UpdateMessageStatus(ctx context.Context, id string, u MessageUpdate) error
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error)

	// Analyses
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	UpdateAnalysis(ctx context.Context, id string, u AnalysisUpdate) error

	// Queues — atomic claim (§4.1)
	Enqueue(ctx context.Context, queue string, payload any, priority int) (string, error)
	ClaimNext(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error)
	Heartbeat(ctx context.Context, queue, jobID, workerID string, visibility time.Duration) error
	Complete(ctx context.Context, queue, jobID string, terminal models.JobStatus, fields map[string]any) error
	FailWithRetry(ctx context.Context, queue, jobID, lastError string, delay time.Duration, maxAttempts int) error
	ReclaimStale(ctx context.Context, queue string, now time.Time) (int, error)
	// RequeueJob resets a terminal job (succeeded or failed) back to queued
	// with attempts reset to 0, per POST /admin/requeue/{job_id} (§6). It
	// returns ErrNotFound if jobID isn't in queue.
	RequeueJob(ctx context.Context, queue, jobID string) error

	// Progress bus (C3)
	AppendProgressEvent(ctx context.Context, e *models.ProgressEvent) error
	PollUnprocessedEvents(ctx context.Context, limit int) ([]*models.ProgressEvent, error)
	MarkProcessed(ctx context.Context, eventID string) error

	// Result cache
	CacheGet(ctx context.Context, key string) (*models.CacheEntry, error)
	CachePut(ctx context.Context, entry *models.CacheEntry) error
	CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error

	// Script store (§6 collaborator: read_script/write_script/list_scripts)
	WriteScript(ctx context.Context, name, content string, metadata map[string]any) error
	ReadScript(ctx context.Context, name string) (*models.Script, error)
	ListScripts(ctx context.Context) ([]string, error)

	Close() error
}
