// Package executionworker is the execution worker (C8): it consumes the
// "execution" queue, posts a validated script and its parameters to the
// sandbox collaborator, and records the outcome on the Analysis and its
// owning ChatMessage (§4.8).
package executionworker

import (
	"context"
	"fmt"
	"time"

	"github.com/quantloft/orcad/internal/cachekey"
	"github.com/quantloft/orcad/internal/errkind"
	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/queue"
	"github.com/quantloft/orcad/internal/sandbox"
	"github.com/quantloft/orcad/internal/scriptstore"
	"github.com/quantloft/orcad/internal/store"
)

// DefaultTimeoutSeconds is used when a job's TimeoutSeconds is unset.
const DefaultTimeoutSeconds = 120

// Config bundles the worker's collaborators.
type Config struct {
	Store   store.Store
	Scripts *scriptstore.Store
	Sandbox sandbox.Sandbox
	Bus     *progress.Bus
	// CacheTTL is cache_ttl_seconds (§6); 0 disables populating the result cache.
	CacheTTL int
	Logger   *observability.Logger
}

// Worker holds the dependencies needed to build a queue.Handler for the
// "execution" queue.
type Worker struct {
	cfg Config
}

// New builds a Worker. Wrap its Handle method with queue.NewWorker to run it.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg}
}

// Handle implements queue.Handler for one claimed execution job (§4.8).
// Per the resolved Open Question on execution retries, the caller should
// configure MaxAttempts=1 on this queue — sandbox execution is
// deterministic on the script, so a retry would not help.
func (w *Worker) Handle(ctx context.Context, job *queue.JobHandle) (map[string]any, queue.Outcome, error) {
	ej := job.ExecutionJob
	if ej == nil {
		return nil, queue.OutcomeTerminalFailure, fmt.Errorf("executionworker: claimed job has no ExecutionJob payload")
	}

	analysis, err := w.cfg.Store.GetAnalysis(ctx, ej.AnalysisID)
	if err != nil {
		return nil, queue.OutcomeTerminalFailure, fmt.Errorf("executionworker: load analysis %s: %w", ej.AnalysisID, err)
	}
	if analysis.Status != models.AnalysisStatusPending {
		return nil, queue.OutcomeTerminalFailure, fmt.Errorf("executionworker: analysis %s is not pending (status=%s)", analysis.ID, analysis.Status)
	}

	script, err := w.cfg.Scripts.Read(ctx, analysis.ScriptName)
	if err != nil {
		w.failAnalysis(ctx, ej, analysis, fmt.Sprintf("script %q not found: %v", analysis.ScriptName, err))
		return nil, queue.OutcomeTerminalFailure, err
	}

	w.emitExecutionStatus(ctx, ej.SessionID, "running", "")

	timeout := ej.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	result, err := w.cfg.Sandbox.Execute(ctx, sandbox.ExecuteRequest{
		Script:         script.Content,
		Parameters:     ej.Parameters,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		reason := "sandbox error"
		if errkind.From(err) == errkind.Timeout {
			reason = "timeout"
		}
		w.failAnalysis(ctx, ej, analysis, fmt.Sprintf("%s: %v", reason, err))
		// The queue is configured with MaxAttempts=1 for this queue (§4.8
		// step 8), so OutcomeTerminalFailure vs. OutcomeRetriable makes no
		// observable difference here; terminal keeps the call site honest
		// about "no retry by default" rather than relying on config alone.
		return nil, queue.OutcomeTerminalFailure, err
	}

	if !result.Success {
		w.failAnalysis(ctx, ej, analysis, result.Error)
		return nil, queue.OutcomeTerminalFailure, fmt.Errorf("executionworker: sandbox reported failure: %s", result.Error)
	}

	executionTimeMS := int64(result.ExecutionTime * 1000)
	status := models.AnalysisStatusSuccess
	if uerr := w.cfg.Store.UpdateAnalysis(ctx, analysis.ID, store.AnalysisUpdate{
		Status:          &status,
		Result:          result.Data,
		ExecutionTimeMS: &executionTimeMS,
	}); uerr != nil {
		return nil, queue.OutcomeTerminalFailure, fmt.Errorf("executionworker: update analysis: %w", uerr)
	}

	w.emitExecutionStatus(ctx, ej.SessionID, "completed", "")

	completed := models.MessageStatusCompleted
	if merr := w.updateOwningMessage(ctx, ej, completed); merr != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "update owning message failed", "analysis_id", analysis.ID, "error", merr)
	}

	if w.cfg.CacheTTL > 0 {
		w.populateCache(ctx, analysis, ej, result)
	}

	return map[string]any{"analysis_id": analysis.ID, "status": string(status)}, queue.OutcomeSucceeded, nil
}

func (w *Worker) failAnalysis(ctx context.Context, ej *models.ExecutionJob, analysis *models.Analysis, reason string) {
	status := models.AnalysisStatusFailed
	if err := w.cfg.Store.UpdateAnalysis(ctx, analysis.ID, store.AnalysisUpdate{
		Status: &status,
		Error:  &reason,
	}); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "update analysis (failure) failed", "analysis_id", analysis.ID, "error", err)
	}
	w.emitExecutionStatus(ctx, ej.SessionID, "failed", reason)
	if merr := w.updateOwningMessage(ctx, ej, models.MessageStatusExecutionFailed); merr != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "update owning message (failure) failed", "analysis_id", analysis.ID, "error", merr)
	}
}

// updateOwningMessage finds the ChatMessage that references this analysis
// and updates its status. The payload only carries SessionID/AnalysisID,
// not the message id directly, so this scans the session's recent
// messages — acceptable at this scale (§4.8 leaves message lookup
// unspecified; C1's ListSessionMessages is the only read path available).
func (w *Worker) updateOwningMessage(ctx context.Context, ej *models.ExecutionJob, status models.MessageStatus) error {
	messages, err := w.cfg.Store.ListSessionMessages(ctx, ej.SessionID, 0)
	if err != nil {
		return err
	}
	for _, m := range messages {
		if m.AnalysisID == ej.AnalysisID {
			return w.cfg.Store.UpdateMessageStatus(ctx, m.ID, store.MessageUpdate{Status: status})
		}
	}
	return nil
}

func (w *Worker) emitExecutionStatus(ctx context.Context, sessionID, status, errMsg string) {
	if w.cfg.Bus == nil {
		return
	}
	details := map[string]any{"status": status}
	if errMsg != "" {
		details["error"] = errMsg
	}
	level := models.ProgressLevelInfo
	if status == "failed" {
		level = models.ProgressLevelError
	}
	if err := w.cfg.Bus.Append(ctx, &models.ProgressEvent{
		SessionID: sessionID,
		Type:      models.ProgressEventExecutionStatus,
		Level:     level,
		Message:   fmt.Sprintf("execution_status:%s", status),
		Details:   details,
	}); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "append progress event failed", "session_id", sessionID, "error", err)
	}
}

func (w *Worker) populateCache(ctx context.Context, analysis *models.Analysis, ej *models.ExecutionJob, result *sandbox.ExecuteResult) {
	key := cachekey.Of(analysis.Title, ej.Parameters)
	if err := w.cfg.Store.CachePut(ctx, &models.CacheEntry{
		Key:        key,
		Result:     result.Data,
		AnalysisID: analysis.ID,
		ExpiresAt:  time.Now().Add(time.Duration(w.cfg.CacheTTL) * time.Second),
	}); err != nil && w.cfg.Logger != nil {
		w.cfg.Logger.Error(ctx, "cache put failed", "analysis_id", analysis.ID, "error", err)
	}
}
