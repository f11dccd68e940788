package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantloft/orcad/internal/models"
)

// queueState holds one queue's jobs keyed by id, plus an ordered keys slice
// so iteration (for claim scans) is deterministic rather than Go's
// randomized map order.
type queueState struct {
	mu   sync.Mutex
	jobs map[string]*Job
	keys []string
}

// MemoryStore is an in-process Store for tests and single-node development.
// Every read and write clones its payload so callers can never mutate state
// out from under the store by holding a returned pointer.
type MemoryStore struct {
	mu sync.Mutex

	sessions  map[string]*models.ChatSession
	messages  map[string]*models.ChatMessage
	analyses  map[string]*models.Analysis
	cache     map[string]*models.CacheEntry
	events    map[string]*models.ProgressEvent
	eventKeys []string

	queues map[string]*queueState

	scripts map[string]*models.Script

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string]*models.ChatMessage),
		analyses: make(map[string]*models.Analysis),
		cache:    make(map[string]*models.CacheEntry),
		events:   make(map[string]*models.ProgressEvent),
		queues: map[string]*queueState{
			QueueAnalysis:  {jobs: make(map[string]*Job)},
			QueueExecution: {jobs: make(map[string]*Job)},
		},
		scripts: make(map[string]*models.Script),
		now:     time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) clock() time.Time { return s.now().UTC() }

// --- Sessions ---

func (s *MemoryStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := s.clock()
	sess.CreatedAt, sess.UpdatedAt = now, now
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) AppendSessionMessage(ctx context.Context, sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.MessageIDs = append(sess.MessageIDs, messageID)
	sess.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) AppendSessionAnalysis(ctx context.Context, sessionID, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.AnalysisIDs = append(sess.AnalysisIDs, analysisID)
	sess.UpdatedAt = s.clock()
	return nil
}

// --- Messages ---

func (s *MemoryStore) CreateMessage(ctx context.Context, m *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.clock()
	m.CreatedAt, m.UpdatedAt = now, now
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, u MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != "" {
		m.Status = u.Status
	}
	if u.QueryType != nil {
		m.QueryType = *u.QueryType
	}
	if u.ExpandedText != nil {
		m.ExpandedText = *u.ExpandedText
	}
	if u.AnalysisID != nil {
		m.AnalysisID = *u.AnalysisID
	}
	if u.AnalysisSnapshot != nil {
		snap := *u.AnalysisSnapshot
		m.AnalysisSnapshot = &snap
	}
	if u.GeneratedScript != nil {
		m.GeneratedScript = *u.GeneratedScript
	}
	if u.ToolsInvoked != nil {
		m.ToolsInvoked = append([]string(nil), u.ToolsInvoked...)
	}
	if u.Metadata != nil {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			m.Metadata[k] = v
		}
	}
	m.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChatMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- Analyses ---

func (s *MemoryStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.clock()
	a.CreatedAt, a.UpdatedAt = now, now
	s.analyses[a.ID] = cloneAnalysis(a)
	return nil
}

func (s *MemoryStore) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAnalysis(a), nil
}

func (s *MemoryStore) UpdateAnalysis(ctx context.Context, id string, u AnalysisUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.Result != nil {
		a.Result = u.Result
	}
	if u.Error != nil {
		a.Error = *u.Error
	}
	if u.ExecutionTimeMS != nil {
		a.ExecutionTimeMS = *u.ExecutionTimeMS
	}
	if u.ReuseCount != nil {
		a.ReuseCount = *u.ReuseCount
	}
	if u.SimilarQueries != nil {
		a.SimilarQueries = u.SimilarQueries
	}
	a.UpdatedAt = s.clock()
	return nil
}

// --- Queues ---

func (s *MemoryStore) queue(name string) (*queueState, error) {
	s.mu.Lock()
	q, ok := s.queues[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown queue %q", name)
	}
	return q, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, queue string, payload any, priority int) (string, error) {
	q, err := s.queue(queue)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := s.clock()
	id := uuid.NewString()
	job := &Job{Queue: queue}
	switch p := payload.(type) {
	case *models.AnalysisJob:
		cp := *p
		cp.ID = id
		cp.Claim = models.Claim{Status: models.JobStatusQueued, Priority: priority, VisibleAfter: now}
		cp.CreatedAt, cp.UpdatedAt = now, now
		job.AnalysisJob = &cp
	case *models.ExecutionJob:
		cp := *p
		cp.ID = id
		cp.Claim = models.Claim{Status: models.JobStatusQueued, Priority: priority, VisibleAfter: now}
		cp.CreatedAt, cp.UpdatedAt = now, now
		job.ExecutionJob = &cp
	default:
		return "", fmt.Errorf("store: unsupported payload type %T for queue %q", payload, queue)
	}
	q.jobs[id] = job
	q.keys = append(q.keys, id)
	return id, nil
}

// ClaimNext implements the atomic find-and-update described in §4.1: a
// queued job, or a running job whose visibility has expired, is claimed in
// one critical section so two workers never observe the same job as free.
func (s *MemoryStore) ClaimNext(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error) {
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := s.clock()
	var candidates []string
	for _, id := range q.keys {
		j := q.jobs[id]
		status, visibleAfter := jobClaimFields(j)
		if status == models.JobStatusQueued || (status == models.JobStatusRunning && visibleAfter.Before(now)) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ji, jj := q.jobs[candidates[i]], q.jobs[candidates[j]]
		pi, pj := jobPriority(ji), jobPriority(jj)
		if pi != pj {
			return pi < pj
		}
		_, vi := jobClaimFields(ji)
		_, vj := jobClaimFields(jj)
		return vi.Before(vj)
	})

	id := candidates[0]
	j := q.jobs[id]
	visibleAfter := now.Add(visibility)
	setJobClaim(j, models.JobStatusRunning, workerID, visibleAfter, 1)
	return cloneJob(j), nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, queue, jobID, workerID string, visibility time.Duration) error {
	q, err := s.queue(queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if claimant(j) != workerID {
		return nil
	}
	setVisibleAfter(j, s.clock().Add(visibility))
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, queue, jobID string, terminal models.JobStatus, fields map[string]any) error {
	q, err := s.queue(queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	setTerminal(j, terminal)
	return nil
}

func (s *MemoryStore) FailWithRetry(ctx context.Context, queue, jobID, lastError string, delay time.Duration, maxAttempts int) error {
	q, err := s.queue(queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Attempts() < maxAttempts {
		setRetry(j, s.clock().Add(delay), lastError)
	} else {
		setTerminal(j, models.JobStatusFailed)
		setLastError(j, lastError)
	}
	return nil
}

func (s *MemoryStore) RequeueJob(ctx context.Context, queue, jobID string) error {
	q, err := s.queue(queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	resetForRequeue(j, s.clock())
	return nil
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, queue string, now time.Time) (int, error) {
	q, err := s.queue(queue)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.keys {
		j := q.jobs[id]
		status, visibleAfter := jobClaimFields(j)
		if status == models.JobStatusRunning && visibleAfter.Before(now) {
			setJobClaim(j, models.JobStatusQueued, "", now, 0)
			n++
		}
	}
	return n, nil
}

// --- Progress bus ---

func (s *MemoryStore) AppendProgressEvent(ctx context.Context, e *models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}
	e.Processed = false
	cp := *e
	s.events[cp.ID] = &cp
	s.eventKeys = append(s.eventKeys, cp.ID)
	return nil
}

func (s *MemoryStore) PollUnprocessedEvents(ctx context.Context, limit int) ([]*models.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ProgressEvent
	for _, id := range s.eventKeys {
		e := s.events[id]
		if !e.Processed {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.Processed = true
	return nil
}

// --- Cache ---

func (s *MemoryStore) CacheGet(ctx context.Context, key string) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || s.clock().After(e.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) CachePut(ctx context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock()
	}
	s.cache[cp.Key] = &cp
	return nil
}

func (s *MemoryStore) CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.cache {
		if e.AnalysisID == analysisID {
			delete(s.cache, k)
		}
	}
	return nil
}

// --- Script store ---

func (s *MemoryStore) WriteScript(ctx context.Context, name, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	existing, ok := s.scripts[name]
	createdAt := now
	if ok {
		createdAt = existing.CreatedAt
	}
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s.scripts[name] = &models.Script{
		Name: name, Content: content, Metadata: meta,
		CreatedAt: createdAt, UpdatedAt: now,
	}
	return nil
}

func (s *MemoryStore) ReadScript(ctx context.Context, name string) (*models.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sc
	cp.Metadata = make(map[string]any, len(sc.Metadata))
	for k, v := range sc.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (s *MemoryStore) ListScripts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.scripts))
	for name := range s.scripts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// --- clone helpers ---

func cloneSession(s *models.ChatSession) *models.ChatSession {
	cp := *s
	cp.MessageIDs = append([]string(nil), s.MessageIDs...)
	cp.AnalysisIDs = append([]string(nil), s.AnalysisIDs...)
	return &cp
}

func cloneMessage(m *models.ChatMessage) *models.ChatMessage {
	cp := *m
	if m.AnalysisSnapshot != nil {
		snap := *m.AnalysisSnapshot
		cp.AnalysisSnapshot = &snap
	}
	cp.ToolsInvoked = append([]string(nil), m.ToolsInvoked...)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneAnalysis(a *models.Analysis) *models.Analysis {
	cp := *a
	cp.MCPCalls = append([]string(nil), a.MCPCalls...)
	cp.DataSources = append([]string(nil), a.DataSources...)
	cp.SimilarQueries = append([]string(nil), a.SimilarQueries...)
	if a.Result != nil {
		cp.Result = make(map[string]any, len(a.Result))
		for k, v := range a.Result {
			cp.Result[k] = v
		}
	}
	if a.Parameters != nil {
		cp.Parameters = make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

func cloneJob(j *Job) *Job {
	cp := &Job{Queue: j.Queue}
	if j.AnalysisJob != nil {
		a := *j.AnalysisJob
		cp.AnalysisJob = &a
	}
	if j.ExecutionJob != nil {
		e := *j.ExecutionJob
		cp.ExecutionJob = &e
	}
	return cp
}

// --- claim-field accessors shared across both job payload kinds ---

func jobClaimFields(j *Job) (models.JobStatus, time.Time) {
	if j.AnalysisJob != nil {
		return j.AnalysisJob.Status, j.AnalysisJob.VisibleAfter
	}
	return j.ExecutionJob.Status, j.ExecutionJob.VisibleAfter
}

func jobPriority(j *Job) int {
	if j.AnalysisJob != nil {
		return j.AnalysisJob.Priority
	}
	return j.ExecutionJob.Priority
}

func claimant(j *Job) string {
	if j.AnalysisJob != nil {
		return j.AnalysisJob.ClaimedBy
	}
	return j.ExecutionJob.ClaimedBy
}

func setJobClaim(j *Job, status models.JobStatus, workerID string, visibleAfter time.Time, attemptDelta int) {
	if j.AnalysisJob != nil {
		j.AnalysisJob.Status = status
		j.AnalysisJob.ClaimedBy = workerID
		j.AnalysisJob.VisibleAfter = visibleAfter
		j.AnalysisJob.Attempts += attemptDelta
		return
	}
	j.ExecutionJob.Status = status
	j.ExecutionJob.ClaimedBy = workerID
	j.ExecutionJob.VisibleAfter = visibleAfter
	j.ExecutionJob.Attempts += attemptDelta
}

func setVisibleAfter(j *Job, t time.Time) {
	if j.AnalysisJob != nil {
		j.AnalysisJob.VisibleAfter = t
		return
	}
	j.ExecutionJob.VisibleAfter = t
}

func setTerminal(j *Job, status models.JobStatus) {
	if j.AnalysisJob != nil {
		j.AnalysisJob.Status = status
		j.AnalysisJob.ClaimedBy = ""
		return
	}
	j.ExecutionJob.Status = status
	j.ExecutionJob.ClaimedBy = ""
}

func resetForRequeue(j *Job, visibleAfter time.Time) {
	if j.AnalysisJob != nil {
		j.AnalysisJob.Status = models.JobStatusQueued
		j.AnalysisJob.ClaimedBy = ""
		j.AnalysisJob.VisibleAfter = visibleAfter
		j.AnalysisJob.Attempts = 0
		j.AnalysisJob.LastError = ""
		return
	}
	j.ExecutionJob.Status = models.JobStatusQueued
	j.ExecutionJob.ClaimedBy = ""
	j.ExecutionJob.VisibleAfter = visibleAfter
	j.ExecutionJob.Attempts = 0
	j.ExecutionJob.LastError = ""
}

func setRetry(j *Job, visibleAfter time.Time, lastErr string) {
	if j.AnalysisJob != nil {
		j.AnalysisJob.Status = models.JobStatusQueued
		j.AnalysisJob.ClaimedBy = ""
		j.AnalysisJob.VisibleAfter = visibleAfter
		j.AnalysisJob.LastError = lastErr
		return
	}
	j.ExecutionJob.Status = models.JobStatusQueued
	j.ExecutionJob.ClaimedBy = ""
	j.ExecutionJob.VisibleAfter = visibleAfter
	j.ExecutionJob.LastError = lastErr
}

func setLastError(j *Job, lastErr string) {
	if j.AnalysisJob != nil {
		j.AnalysisJob.LastError = lastErr
		return
	}
	j.ExecutionJob.LastError = lastErr
}
