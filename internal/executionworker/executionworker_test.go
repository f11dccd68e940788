package executionworker

import (
	"context"
	"testing"

	"github.com/quantloft/orcad/internal/cachekey"
	"github.com/quantloft/orcad/internal/errkind"
	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/queue"
	"github.com/quantloft/orcad/internal/sandbox"
	"github.com/quantloft/orcad/internal/scriptstore"
	"github.com/quantloft/orcad/internal/store"
)

func setup(t *testing.T) (store.Store, *scriptstore.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return s, scriptstore.New(s)
}

func newJob(t *testing.T, s store.Store, scripts *scriptstore.Store, scriptName string) (*queue.JobHandle, string) {
	t.Helper()
	ctx := context.Background()

	sess := &models.ChatSession{UserID: "u1"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	msg := &models.ChatMessage{SessionID: sess.ID, Role: "user", Content: "q", Status: models.MessageStatusExecutionQueued}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	if err := scripts.Write(ctx, scriptName, "print(ticker)", map[string]any{"category": "revenue"}); err != nil {
		t.Fatalf("write script: %v", err)
	}

	analysis := &models.Analysis{
		OwnerUserID: "u1",
		Title:       "AAPL revenue",
		ScriptName:  scriptName,
		Status:      models.AnalysisStatusPending,
		Parameters:  map[string]any{"ticker": "AAPL"},
	}
	if err := s.CreateAnalysis(ctx, analysis); err != nil {
		t.Fatalf("create analysis: %v", err)
	}
	if err := s.UpdateMessageStatus(ctx, msg.ID, store.MessageUpdate{
		Status:     models.MessageStatusExecutionQueued,
		AnalysisID: &analysis.ID,
	}); err != nil {
		t.Fatalf("link message to analysis: %v", err)
	}

	return &queue.JobHandle{
		Job: &store.Job{ExecutionJob: &models.ExecutionJob{
			ID:         "ex1",
			AnalysisID: analysis.ID,
			SessionID:  sess.ID,
			UserID:     "u1",
			Parameters: map[string]any{"ticker": "AAPL"},
		}},
		WorkerID: "w1",
	}, analysis.ID
}

func TestHandleSuccessUpdatesAnalysisAndMessage(t *testing.T) {
	s, scripts := setup(t)
	ctx := context.Background()
	job, analysisID := newJob(t, s, scripts, "aapl_revenue.py")

	fake := &sandbox.FakeSandbox{Result: &sandbox.ExecuteResult{Success: true, Data: map[string]any{"revenue": 100}, ExecutionTime: 0.25}}
	w := New(Config{Store: s, Scripts: scripts, Sandbox: fake, Bus: progress.NewBus(s, progress.Config{})})

	fields, outcome, err := w.Handle(ctx, job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != queue.OutcomeSucceeded {
		t.Fatalf("expected succeeded, got %v", outcome)
	}
	if fields["analysis_id"] != analysisID {
		t.Fatalf("unexpected fields: %+v", fields)
	}

	analysis, err := s.GetAnalysis(ctx, analysisID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if analysis.Status != models.AnalysisStatusSuccess {
		t.Fatalf("expected success status, got %s", analysis.Status)
	}
	if analysis.Result["revenue"] != 100 {
		t.Fatalf("expected result to be persisted, got %+v", analysis.Result)
	}
	if analysis.ExecutionTimeMS != 250 {
		t.Fatalf("expected execution_time_ms=250, got %d", analysis.ExecutionTimeMS)
	}

	messages, err := s.ListSessionMessages(ctx, job.ExecutionJob.SessionID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Status != models.MessageStatusCompleted {
		t.Fatalf("expected owning message marked completed, got %+v", messages)
	}

	if len(fake.Calls) != 1 || fake.Calls[0].Script != "print(ticker)" {
		t.Fatalf("unexpected sandbox calls: %+v", fake.Calls)
	}
}

func TestHandleSandboxReportedFailureMarksAnalysisFailed(t *testing.T) {
	s, scripts := setup(t)
	ctx := context.Background()
	job, analysisID := newJob(t, s, scripts, "aapl_revenue.py")

	fake := &sandbox.FakeSandbox{Result: &sandbox.ExecuteResult{Success: false, Error: "division by zero"}}
	w := New(Config{Store: s, Scripts: scripts, Sandbox: fake})

	_, outcome, err := w.Handle(ctx, job)
	if err == nil {
		t.Fatal("expected an error")
	}
	if outcome != queue.OutcomeTerminalFailure {
		t.Fatalf("expected terminal failure, got %v", outcome)
	}

	analysis, gerr := s.GetAnalysis(ctx, analysisID)
	if gerr != nil {
		t.Fatalf("get analysis: %v", gerr)
	}
	if analysis.Status != models.AnalysisStatusFailed || analysis.Error != "division by zero" {
		t.Fatalf("unexpected analysis state: %+v", analysis)
	}

	messages, _ := s.ListSessionMessages(ctx, job.ExecutionJob.SessionID, 0)
	if len(messages) != 1 || messages[0].Status != models.MessageStatusExecutionFailed {
		t.Fatalf("expected owning message marked execution_failed, got %+v", messages)
	}
}

func TestHandleSandboxTransportErrorIsTerminalNotRetried(t *testing.T) {
	s, scripts := setup(t)
	ctx := context.Background()
	job, analysisID := newJob(t, s, scripts, "aapl_revenue.py")

	fake := &sandbox.FakeSandbox{Err: errkind.Wrap(errkind.Timeout, context.DeadlineExceeded)}
	w := New(Config{Store: s, Scripts: scripts, Sandbox: fake})

	_, outcome, err := w.Handle(ctx, job)
	if err == nil {
		t.Fatal("expected an error")
	}
	if outcome != queue.OutcomeTerminalFailure {
		t.Fatalf("execution jobs never retry (max_attempts=1); expected terminal failure, got %v", outcome)
	}

	analysis, gerr := s.GetAnalysis(ctx, analysisID)
	if gerr != nil {
		t.Fatalf("get analysis: %v", gerr)
	}
	if analysis.Status != models.AnalysisStatusFailed {
		t.Fatalf("expected analysis failed, got %s", analysis.Status)
	}
}

func TestHandleNonPendingAnalysisFailsTerminally(t *testing.T) {
	s, scripts := setup(t)
	ctx := context.Background()
	job, analysisID := newJob(t, s, scripts, "aapl_revenue.py")

	success := models.AnalysisStatusSuccess
	if err := s.UpdateAnalysis(ctx, analysisID, store.AnalysisUpdate{Status: &success}); err != nil {
		t.Fatalf("update analysis: %v", err)
	}

	w := New(Config{Store: s, Scripts: scripts, Sandbox: &sandbox.FakeSandbox{}})
	_, outcome, err := w.Handle(ctx, job)
	if err == nil {
		t.Fatal("expected an error")
	}
	if outcome != queue.OutcomeTerminalFailure {
		t.Fatalf("expected terminal failure, got %v", outcome)
	}
}

func TestHandlePopulatesResultCacheWhenConfigured(t *testing.T) {
	s, scripts := setup(t)
	ctx := context.Background()
	job, _ := newJob(t, s, scripts, "aapl_revenue.py")

	fake := &sandbox.FakeSandbox{Result: &sandbox.ExecuteResult{Success: true, Data: map[string]any{"revenue": 100}}}
	w := New(Config{Store: s, Scripts: scripts, Sandbox: fake, CacheTTL: 3600})

	if _, _, err := w.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	key := cachekey.Of("AAPL revenue", job.ExecutionJob.Parameters)
	entry, err := s.CacheGet(ctx, key)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if entry.Result["revenue"] != 100 {
		t.Fatalf("unexpected cache entry: %+v", entry)
	}
}

func TestCacheKeyIsStableUnderParameterOrder(t *testing.T) {
	a := cachekey.Of("q", map[string]any{"a": 1, "b": 2})
	b := cachekey.Of("q", map[string]any{"b": 2, "a": 1})
	if a != b {
		t.Fatalf("expected stable cache key regardless of map order, got %q vs %q", a, b)
	}
}
