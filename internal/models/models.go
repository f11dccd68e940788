// Package models holds the durable entities and queue payloads shared
// across the orchestration core.
package models

import "time"

// User owns sessions and, transitively, analyses.
type User struct {
	ID          string         `json:"id"`
	Identity    string         `json:"identity"`
	DisplayName string         `json:"display_name,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ChatSession is one conversation. The message and analysis id lists are the
// durable truth; any in-memory ConversationStore is a derived projection.
type ChatSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title,omitempty"`
	MessageIDs  []string  `json:"message_ids"`
	AnalysisIDs []string  `json:"analysis_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatMessage is one durable turn in a session's timeline.
//
// Invariants: a user message's OriginalQuestion equals its Content. An
// assistant message carries at most one authoritative analysis pointer:
// AnalysisID if it references one, or AnalysisSnapshot if the analysis is
// embedded for display-only replay, never both for different analyses.
type ChatMessage struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	Role             string            `json:"role"` // user | assistant | system
	Content          string            `json:"content"`
	AnalysisSnapshot *Analysis         `json:"analysis_snapshot,omitempty"`
	AnalysisID       string            `json:"analysis_id,omitempty"`
	GeneratedScript  string            `json:"generated_script,omitempty"`
	ToolsInvoked     []string          `json:"tools_invoked,omitempty"`
	Status           MessageStatus     `json:"status"`
	QueryType        QueryType         `json:"query_type,omitempty"`
	OriginalQuestion string            `json:"original_question,omitempty"`
	ExpandedText     string            `json:"expanded_text,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasAnalysisReference reports whether the message names exactly one
// authoritative analysis, per the spec's resolved open question.
func (m *ChatMessage) HasAnalysisReference() bool {
	return m.AnalysisID != "" || m.AnalysisSnapshot != nil
}

// Analysis is a computation definition and its outcome.
type Analysis struct {
	ID              string         `json:"id"`
	OwnerUserID     string         `json:"owner_user_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Category        string         `json:"category,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	// ScriptName is the script store's lookup key (§6 collaborator:
	// read_script/write_script). GeneratedScript holds the script's actual
	// text, not this name — the execution worker reads the script by
	// ScriptName, everything else (display, reuse-copy) reads the text.
	ScriptName      string         `json:"script_name,omitempty"`
	GeneratedScript string         `json:"generated_script"`
	MCPCalls        []string       `json:"mcp_calls,omitempty"`
	DataSources     []string       `json:"data_sources,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Status          AnalysisStatus `json:"status"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	IsTemplate      bool           `json:"is_template,omitempty"`
	SimilarQueries  []string       `json:"similar_queries,omitempty"`
	ReuseCount      int            `json:"reuse_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Claim fields shared by both queue payload kinds (§3, §4.1 claim_next).
type Claim struct {
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	Priority     int       `json:"priority"`
	VisibleAfter time.Time `json:"visible_after"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// ExecutionJob is the execution-queue payload.
type ExecutionJob struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	AnalysisID     string         `json:"analysis_id"`
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Claim
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnalysisJob is the analysis-queue payload.
type AnalysisJob struct {
	ID                 string `json:"id"`
	AnalysisRequestID  string `json:"analysis_request_id"`
	SessionID          string `json:"session_id"`
	UserID             string `json:"user_id"`
	UserText           string `json:"user_text"`
	ExpandedText       string `json:"expanded_text"`
	ReuseHint          string `json:"reuse_hint,omitempty"`
	MessageID          string `json:"message_id"`
	Claim
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressEvent is one append-only notification.
type ProgressEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      ProgressEventType `json:"type"`
	Level     ProgressLevel     `json:"level"`
	Message   string            `json:"message"`
	Processed bool              `json:"processed"`
	Details   map[string]any    `json:"details,omitempty"`
}

// CacheEntry is a content-addressed reuse-cache row.
type CacheEntry struct {
	Key        string         `json:"key"`
	Result     map[string]any `json:"result"`
	AnalysisID string         `json:"analysis_id,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Script is a named, versioned analysis script (§6 script store
// collaborator). Content is the full script text; Metadata carries
// whatever the analysis worker recorded about it (language, category,
// parameter schema).
type Script struct {
	Name      string         `json:"name"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Turn is one folded user/assistant exchange inside a ConversationStore.
type Turn struct {
	UserQuery       string    `json:"user_query"`
	ExpandedQuery   string    `json:"expanded_query"`
	QueryType       QueryType `json:"query_type"`
	AnalysisSummary string    `json:"analysis_summary,omitempty"`
	LastTouched     time.Time `json:"last_touched"`
}

// ConversationStore is the in-memory-only projection of recent turns used
// for query expansion. It is never persisted directly; it is rehydrated
// from ChatMessages on demand by the session cache (C4).
type ConversationStore struct {
	SessionID string  `json:"session_id"`
	Turns     []Turn  `json:"turns"`
}

// MaxTurns bounds a ConversationStore to the last N turns (§3: N=20).
const MaxTurns = 20

// AddTurn appends a turn, trimming to MaxTurns from the front.
func (c *ConversationStore) AddTurn(t Turn) {
	c.Turns = append(c.Turns, t)
	if len(c.Turns) > MaxTurns {
		c.Turns = c.Turns[len(c.Turns)-MaxTurns:]
	}
}

// LastK returns up to the last k turns, oldest first.
func (c *ConversationStore) LastK(k int) []Turn {
	if k <= 0 || len(c.Turns) == 0 {
		return nil
	}
	if k > len(c.Turns) {
		k = len(c.Turns)
	}
	return c.Turns[len(c.Turns)-k:]
}

// Clone returns a deep copy safe to hand to a reader without locking.
func (c *ConversationStore) Clone() *ConversationStore {
	if c == nil {
		return nil
	}
	out := &ConversationStore{SessionID: c.SessionID, Turns: make([]Turn, len(c.Turns))}
	copy(out.Turns, c.Turns)
	return out
}
