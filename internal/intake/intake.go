// Package intake is the intake dispatcher (C10): the single entry point a
// client-facing handler calls with a new user utterance. It owns the
// get-or-create / classify / cache-check / reuse-check / enqueue pipeline
// described in §4.10, serialized per session so two concurrent submissions
// on the same conversation never interleave.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quantloft/orcad/internal/cachekey"
	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/queue"
	"github.com/quantloft/orcad/internal/reuse"
	"github.com/quantloft/orcad/internal/router"
	"github.com/quantloft/orcad/internal/sessioncache"
	"github.com/quantloft/orcad/internal/store"
	"github.com/quantloft/orcad/internal/vectorindex"
)

// DefaultTopK is the number of vector-index neighbors fetched before
// consulting the reuse evaluator (§4.10 step 7).
const DefaultTopK = 5

// Status is the dispatcher's reply to the caller, mirrored directly onto
// the /submit response (§6).
type Status string

const (
	StatusAccepted            Status = "accepted"
	StatusReused              Status = "reused"
	StatusClarificationNeeded Status = "clarification_needed"
)

// Result is what Submit returns.
type Result struct {
	SessionID string
	MessageID string
	Status    Status
	Reply     string // set when Status is clarification_needed or reused
}

// Config bundles the dispatcher's collaborators. RouterProvider and
// ReuseProvider are split out because each drives a distinct LM call shape
// (§6) and a deployment may want to pin them to different models; passing
// the same Provider for both is fine.
type Config struct {
	Sessions       *sessioncache.Cache
	Store          store.Store
	RouterProvider llm.Provider
	ReuseProvider  llm.Provider
	VectorIndex    vectorindex.Index
	AnalysisQueue  *queue.Queue
	ExecutionQueue *queue.Queue
	Bus            *progress.Bus

	TopK                 int
	ReuseSimilarityFloor float64
	Logger               *observability.Logger
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.ReuseSimilarityFloor <= 0 {
		c.ReuseSimilarityFloor = reuse.DefaultSimilarityThreshold
	}
}

// Dispatcher is the intake dispatcher (C10).
type Dispatcher struct {
	cfg Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Dispatcher over cfg.
func New(cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

// Submit runs the full dispatch pipeline for one user utterance (§4.10).
// sessionID may be empty to start a new session.
func (d *Dispatcher) Submit(ctx context.Context, sessionID, userID, userText string) (*Result, error) {
	conv, sessionID, err := d.cfg.Sessions.GetOrCreate(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("intake: get_or_create session: %w", err)
	}

	unlock := d.lock(sessionID)
	defer unlock()

	userMsg := &models.ChatMessage{
		SessionID:        sessionID,
		Role:             "user",
		Content:          userText,
		OriginalQuestion: userText,
		Status:           models.MessageStatusPending,
		QueryType:        models.QueryTypeUnknown,
	}
	if err := d.cfg.Store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("intake: persist user message: %w", err)
	}
	if err := d.cfg.Store.AppendSessionMessage(ctx, sessionID, userMsg.ID); err != nil {
		return nil, fmt.Errorf("intake: append session message: %w", err)
	}

	routed, err := router.Classify(ctx, d.cfg.RouterProvider, conv, userText)
	if err != nil {
		return nil, fmt.Errorf("intake: classify: %w", err)
	}

	if routed.Kind == router.KindNeedsConfirmation || routed.Kind == router.KindNeedsClarification {
		return d.reply(ctx, sessionID, userMsg, routed.Message, StatusClarificationNeeded)
	}

	queryType := queryTypeFor(routed.Kind)
	if err := d.cfg.Store.UpdateMessageStatus(ctx, userMsg.ID, store.MessageUpdate{
		Status:       models.MessageStatusPending,
		QueryType:    &queryType,
		ExpandedText: &routed.ExpandedText,
	}); err != nil {
		return nil, fmt.Errorf("intake: update message with classification: %w", err)
	}

	if cached, ok := d.checkCache(ctx, routed.ExpandedText, nil); ok {
		return d.reuseFromCache(ctx, sessionID, userMsg, cached)
	}

	neighbors, err := d.cfg.VectorIndex.Search(ctx, routed.ExpandedText, d.cfg.TopK, d.cfg.ReuseSimilarityFloor)
	if err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Error(ctx, "vector index search failed", "session_id", sessionID, "error", err)
	}

	decision := reuse.Evaluate(ctx, d.cfg.ReuseProvider, reuse.Input{
		ExpandedQuery: routed.ExpandedText,
		Neighbors:     neighbors,
		Threshold:     d.cfg.ReuseSimilarityFloor,
	})
	if decision.Reuse {
		return d.reuseFromNeighbor(ctx, sessionID, userMsg, routed, decision)
	}

	return d.enqueueAnalysis(ctx, sessionID, userID, userMsg, routed)
}

// reply writes the router's message as an assistant ChatMessage and returns
// without any queue work (§4.10 step 4).
func (d *Dispatcher) reply(ctx context.Context, sessionID string, userMsg *models.ChatMessage, message string, status Status) (*Result, error) {
	assistantMsg := &models.ChatMessage{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   message,
		Status:    models.MessageStatusCompleted,
	}
	if err := d.cfg.Sessions.AddTurn(ctx, sessionID, models.Turn{
		UserQuery:     userMsg.OriginalQuestion,
		ExpandedQuery: userMsg.Content,
		QueryType:     models.QueryTypeUnknown,
		LastTouched:   assistantMsg.CreatedAt,
	}, assistantMsg); err != nil {
		return nil, fmt.Errorf("intake: persist clarification reply: %w", err)
	}
	if err := d.cfg.Store.UpdateMessageStatus(ctx, userMsg.ID, store.MessageUpdate{Status: models.MessageStatusCompleted}); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Error(ctx, "update user message status failed", "message_id", userMsg.ID, "error", err)
	}
	return &Result{SessionID: sessionID, MessageID: userMsg.ID, Status: status, Reply: message}, nil
}

// checkCache consults the result cache with key = hash(expanded_text,
// known-parameters) (§4.10 step 6). The dispatcher does not yet know the
// final parameter binding at this point in the pipeline — only the router's
// expanded text — so it hashes against an empty parameter set, which is the
// only binding a cache entry populated before any analysis runs could share.
func (d *Dispatcher) checkCache(ctx context.Context, expandedText string, parameters map[string]any) (*models.CacheEntry, bool) {
	key := cachekey.Of(expandedText, parameters)
	entry, err := d.cfg.Store.CacheGet(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && d.cfg.Logger != nil {
			d.cfg.Logger.Error(ctx, "cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return entry, true
}

// reuseFromCache writes the assistant ChatMessage referencing the cached
// analysis and emits a synthetic execution_status:completed event (§4.10
// step 6), without touching either queue.
func (d *Dispatcher) reuseFromCache(ctx context.Context, sessionID string, userMsg *models.ChatMessage, cached *models.CacheEntry) (*Result, error) {
	analysisID := cached.AnalysisID
	if err := d.cfg.Store.UpdateMessageStatus(ctx, userMsg.ID, store.MessageUpdate{
		Status:     models.MessageStatusCompleted,
		AnalysisID: &analysisID,
	}); err != nil {
		return nil, fmt.Errorf("intake: update message for cache hit: %w", err)
	}
	d.emit(ctx, sessionID, models.ProgressEventExecutionStatus, models.ProgressLevelInfo, "execution_status:completed", map[string]any{
		"status":      "completed",
		"analysis_id": analysisID,
		"cached":      true,
	})
	return &Result{SessionID: sessionID, MessageID: userMsg.ID, Status: StatusReused}, nil
}

// reuseFromNeighbor assembles a new Analysis referencing the neighbor's
// script and parameters and enqueues an execution directly, skipping C7
// (§4.10 step 7).
func (d *Dispatcher) reuseFromNeighbor(ctx context.Context, sessionID string, userMsg *models.ChatMessage, routed *router.Classification, decision *reuse.Decision) (*Result, error) {
	neighbor, err := d.cfg.Store.GetAnalysis(ctx, decision.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("intake: load reuse neighbor %s: %w", decision.AnalysisID, err)
	}

	parameters := decision.NewParameters
	if parameters == nil {
		parameters = neighbor.Parameters
	}

	analysis := &models.Analysis{
		OwnerUserID:     neighbor.OwnerUserID,
		Title:           routed.ExpandedText,
		Category:        neighbor.Category,
		Parameters:      parameters,
		ScriptName:      neighbor.ScriptName,
		GeneratedScript: neighbor.GeneratedScript,
		Status:          models.AnalysisStatusPending,
		ReuseCount:      0,
	}
	if err := d.cfg.Store.CreateAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("intake: persist reused analysis: %w", err)
	}
	if err := d.cfg.Store.AppendSessionAnalysis(ctx, sessionID, analysis.ID); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Error(ctx, "append session analysis failed", "session_id", sessionID, "error", err)
	}

	// The neighbor is the template being reused, not the copy: bump its own
	// reuse_count and record this query against it (§3's similar_queries).
	neighborReuseCount := neighbor.ReuseCount + 1
	neighborSimilar := append(append([]string(nil), neighbor.SimilarQueries...), routed.ExpandedText)
	if err := d.cfg.Store.UpdateAnalysis(ctx, neighbor.ID, store.AnalysisUpdate{
		ReuseCount:     &neighborReuseCount,
		SimilarQueries: neighborSimilar,
	}); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Error(ctx, "update reuse neighbor failed", "analysis_id", neighbor.ID, "error", err)
	}

	analysisID := analysis.ID
	if err := d.cfg.Store.UpdateMessageStatus(ctx, userMsg.ID, store.MessageUpdate{
		Status:     models.MessageStatusExecutionQueued,
		AnalysisID: &analysisID,
	}); err != nil {
		return nil, fmt.Errorf("intake: update message for reuse: %w", err)
	}

	execJobID, err := d.cfg.ExecutionQueue.Enqueue(ctx, &models.ExecutionJob{
		AnalysisID: analysis.ID,
		SessionID:  sessionID,
		UserID:     neighbor.OwnerUserID,
		Parameters: parameters,
	}, models.PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("intake: enqueue execution: %w", err)
	}
	d.emit(ctx, sessionID, models.ProgressEventGeneric, models.ProgressLevelInfo, "execution_queued", map[string]any{
		"execution_job_id": execJobID,
		"analysis_id":      analysis.ID,
		"reused_from":      neighbor.ID,
	})

	return &Result{SessionID: sessionID, MessageID: userMsg.ID, Status: StatusReused}, nil
}

// enqueueAnalysis is the fallback path: no cache hit, no viable reuse
// candidate, so a fresh analysis job is queued for C7 (§4.10 step 8).
func (d *Dispatcher) enqueueAnalysis(ctx context.Context, sessionID, userID string, userMsg *models.ChatMessage, routed *router.Classification) (*Result, error) {
	if err := d.cfg.Store.UpdateMessageStatus(ctx, userMsg.ID, store.MessageUpdate{
		Status: models.MessageStatusAnalysisStarted,
	}); err != nil {
		return nil, fmt.Errorf("intake: update message before enqueue: %w", err)
	}

	jobID, err := d.cfg.AnalysisQueue.Enqueue(ctx, &models.AnalysisJob{
		SessionID:    sessionID,
		UserID:       userID,
		UserText:     userMsg.OriginalQuestion,
		ExpandedText: routed.ExpandedText,
		MessageID:    userMsg.ID,
	}, models.PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("intake: enqueue analysis: %w", err)
	}
	d.emit(ctx, sessionID, models.ProgressEventGeneric, models.ProgressLevelInfo, "analysis_queued", map[string]any{
		"analysis_job_id": jobID,
	})

	return &Result{SessionID: sessionID, MessageID: userMsg.ID, Status: StatusAccepted}, nil
}

func (d *Dispatcher) emit(ctx context.Context, sessionID string, typ models.ProgressEventType, level models.ProgressLevel, message string, details map[string]any) {
	if d.cfg.Bus == nil {
		return
	}
	if err := d.cfg.Bus.Append(ctx, &models.ProgressEvent{
		SessionID: sessionID,
		Type:      typ,
		Level:     level,
		Message:   message,
		Details:   details,
	}); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Error(ctx, "append progress event failed", "session_id", sessionID, "error", err)
	}
}

// lock returns an unlock func for sessionID's advisory mutex, held across
// steps 2-8 of Submit so two concurrent submissions on the same session
// serialize while different sessions proceed in parallel (§4.10, §5). The
// map itself is guarded by a single coarse mutex, same idiom as the session
// cache's own entries map — acceptable at this scale per §5's resource
// policy, and per-session locks are never removed, since a session is
// expected to see many submissions over its lifetime.
func (d *Dispatcher) lock(sessionID string) (unlock func()) {
	d.locksMu.Lock()
	mu, ok := d.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		d.locks[sessionID] = mu
	}
	d.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func queryTypeFor(kind router.Kind) models.QueryType {
	switch kind {
	case router.KindContextual:
		return models.QueryTypeContextual
	case router.KindComparative:
		return models.QueryTypeComparative
	case router.KindParameter:
		return models.QueryTypeParameter
	default:
		return models.QueryTypeComplete
	}
}
