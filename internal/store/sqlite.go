package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/quantloft/orcad/internal/models"
)

// SQLiteStore implements Store atop modernc.org/sqlite for single-node
// deployments and local development without a Postgres dependency.
//
// SQLite serializes writers at the file level; rather than fight that with
// busy-retry loops, writeMu serializes this process's own writers so
// ClaimNext's read-then-update stays atomic without relying on
// SELECT ... FOR UPDATE SKIP LOCKED, which SQLite does not support.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if absent) the database file at path and
// applies the schema. path may be ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: avoid concurrent-writer lock errors

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY, user_id TEXT NOT NULL, title TEXT,
	message_ids TEXT NOT NULL DEFAULT '[]', analysis_ids TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY, session_id TEXT NOT NULL, role TEXT NOT NULL, content TEXT NOT NULL,
	analysis_snapshot TEXT, analysis_id TEXT, generated_script TEXT, tools_invoked TEXT,
	status TEXT NOT NULL, query_type TEXT, original_question TEXT, expanded_text TEXT, metadata TEXT,
	created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS analyses (
	id TEXT PRIMARY KEY, owner_user_id TEXT NOT NULL, title TEXT NOT NULL, description TEXT,
	category TEXT, parameters TEXT, script_name TEXT, generated_script TEXT, mcp_calls TEXT, data_sources TEXT,
	result TEXT, status TEXT NOT NULL, error TEXT, execution_time_ms INTEGER, is_template INTEGER,
	similar_queries TEXT, reuse_count INTEGER, created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_jobs (
	id TEXT PRIMARY KEY, queue TEXT NOT NULL, status TEXT NOT NULL, priority INTEGER NOT NULL,
	visible_after TIMESTAMP NOT NULL, claimed_by TEXT NOT NULL DEFAULT '', attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '', payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(queue, status, visible_after, priority);
CREATE TABLE IF NOT EXISTS progress_events (
	id TEXT PRIMARY KEY, session_id TEXT NOT NULL, ts TIMESTAMP NOT NULL, type TEXT NOT NULL,
	level TEXT NOT NULL, message TEXT NOT NULL, processed INTEGER NOT NULL DEFAULT 0, details TEXT
);
CREATE INDEX IF NOT EXISTS idx_progress_events_unprocessed ON progress_events(processed, ts);
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY, result TEXT, analysis_id TEXT, expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS scripts (
	name TEXT PRIMARY KEY, content TEXT NOT NULL, metadata TEXT,
	created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL
);
`

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	msgIDs, _ := marshalStrings(sess.MessageIDs)
	analysisIDs, _ := marshalStrings(sess.AnalysisIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, title, message_ids, analysis_ids, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
	`, sess.ID, sess.UserID, sess.Title, msgIDs, analysisIDs, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, message_ids, analysis_ids, created_at, updated_at
		FROM chat_sessions WHERE id = ?
	`, id)
	var sess models.ChatSession
	var title sql.NullString
	var msgIDs, analysisIDs []byte
	if err := row.Scan(&sess.ID, &sess.UserID, &title, &msgIDs, &analysisIDs, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Title = title.String
	sess.MessageIDs, _ = unmarshalStrings(msgIDs)
	sess.AnalysisIDs, _ = unmarshalStrings(analysisIDs)
	return &sess, nil
}

func (s *SQLiteStore) AppendSessionMessage(ctx context.Context, sessionID, messageID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.MessageIDs = append(sess.MessageIDs, messageID)
	msgIDs, _ := marshalStrings(sess.MessageIDs)
	_, err = s.db.ExecContext(ctx, `UPDATE chat_sessions SET message_ids=?, updated_at=? WHERE id=?`,
		msgIDs, time.Now().UTC(), sessionID)
	return err
}

func (s *SQLiteStore) AppendSessionAnalysis(ctx context.Context, sessionID, analysisID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.AnalysisIDs = append(sess.AnalysisIDs, analysisID)
	analysisIDs, _ := marshalStrings(sess.AnalysisIDs)
	_, err = s.db.ExecContext(ctx, `UPDATE chat_sessions SET analysis_ids=?, updated_at=? WHERE id=?`,
		analysisIDs, time.Now().UTC(), sessionID)
	return err
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *models.ChatMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	snapshot, _ := marshalAnalysisSnapshot(m.AnalysisSnapshot)
	tools, _ := marshalStrings(m.ToolsInvoked)
	meta, _ := marshalMap(m.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages
			(id, session_id, role, content, analysis_snapshot, analysis_id,
			 generated_script, tools_invoked, status, query_type,
			 original_question, expanded_text, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, m.ID, m.SessionID, m.Role, m.Content, snapshot, m.AnalysisID,
		m.GeneratedScript, tools, string(m.Status), string(m.QueryType),
		m.OriginalQuestion, m.ExpandedText, meta, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, analysis_snapshot, analysis_id,
			   generated_script, tools_invoked, status, query_type,
			   original_question, expanded_text, metadata, created_at, updated_at
		FROM chat_messages WHERE id = ?
	`, id)
	return scanSQLiteMessage(row)
}

func scanSQLiteMessage(row scanner) (*models.ChatMessage, error) {
	var m models.ChatMessage
	var snapshot, tools, meta []byte
	var analysisID, script, queryType, question, expanded sql.NullString
	var status string
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &snapshot, &analysisID,
		&script, &tools, &status, &queryType, &question, &expanded, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Status = models.MessageStatus(status)
	m.AnalysisID = analysisID.String
	m.GeneratedScript = script.String
	m.QueryType = models.QueryType(queryType.String)
	m.OriginalQuestion = question.String
	m.ExpandedText = expanded.String
	if len(snapshot) > 0 {
		var a models.Analysis
		if err := json.Unmarshal(snapshot, &a); err != nil {
			return nil, err
		}
		m.AnalysisSnapshot = &a
	}
	m.ToolsInvoked, _ = unmarshalStrings(tools)
	m.Metadata, _ = unmarshalMap(meta)
	return &m, nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, u MessageUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
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
		m.AnalysisSnapshot = u.AnalysisSnapshot
	}
	if u.GeneratedScript != nil {
		m.GeneratedScript = *u.GeneratedScript
	}
	if u.ToolsInvoked != nil {
		m.ToolsInvoked = u.ToolsInvoked
	}
	if u.Metadata != nil {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			m.Metadata[k] = v
		}
	}
	snapshot, _ := marshalAnalysisSnapshot(m.AnalysisSnapshot)
	tools, _ := marshalStrings(m.ToolsInvoked)
	meta, _ := marshalMap(m.Metadata)
	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_messages SET
			status=?, query_type=?, expanded_text=?, analysis_id=?, analysis_snapshot=?,
			generated_script=?, tools_invoked=?, metadata=?, updated_at=?
		WHERE id=?
	`, string(m.Status), string(m.QueryType), m.ExpandedText, m.AnalysisID, snapshot,
		m.GeneratedScript, tools, meta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	// The last `limit` messages, returned oldest-first: select newest-first
	// with the limit applied, then reverse, rather than limiting an
	// ascending scan (which would return the oldest messages instead).
	order := "ASC"
	if limit > 0 {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, analysis_snapshot, analysis_id,
			   generated_script, tools_invoked, status, query_type,
			   original_question, expanded_text, metadata, created_at, updated_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at `+order+` LIMIT ?
	`, sessionID, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// --- Analyses ---

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	params, _ := marshalMap(a.Parameters)
	result, _ := marshalMap(a.Result)
	mcpCalls, _ := marshalStrings(a.MCPCalls)
	dataSources, _ := marshalStrings(a.DataSources)
	similar, _ := marshalStrings(a.SimilarQueries)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses
			(id, owner_user_id, title, description, category, parameters,
			 script_name, generated_script, mcp_calls, data_sources, result, status, error,
			 execution_time_ms, is_template, similar_queries, reuse_count,
			 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, a.ID, a.OwnerUserID, a.Title, a.Description, a.Category, params,
		a.ScriptName, a.GeneratedScript, mcpCalls, dataSources, result, string(a.Status), a.Error,
		a.ExecutionTimeMS, a.IsTemplate, similar, a.ReuseCount, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, title, description, category, parameters,
			   script_name, generated_script, mcp_calls, data_sources, result, status, error,
			   execution_time_ms, is_template, similar_queries, reuse_count,
			   created_at, updated_at
		FROM analyses WHERE id = ?
	`, id)
	return scanSQLiteAnalysis(row)
}

func scanSQLiteAnalysis(row scanner) (*models.Analysis, error) {
	var a models.Analysis
	var description, category, scriptName, errStr sql.NullString
	var params, result, mcpCalls, dataSources, similar []byte
	var status string
	if err := row.Scan(&a.ID, &a.OwnerUserID, &a.Title, &description, &category, &params,
		&scriptName, &a.GeneratedScript, &mcpCalls, &dataSources, &result, &status, &errStr,
		&a.ExecutionTimeMS, &a.IsTemplate, &similar, &a.ReuseCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	a.Description = description.String
	a.Category = category.String
	a.ScriptName = scriptName.String
	a.Error = errStr.String
	a.Status = models.AnalysisStatus(status)
	a.Parameters, _ = unmarshalMap(params)
	a.Result, _ = unmarshalMap(result)
	a.MCPCalls, _ = unmarshalStrings(mcpCalls)
	a.DataSources, _ = unmarshalStrings(dataSources)
	a.SimilarQueries, _ = unmarshalStrings(similar)
	return &a, nil
}

func (s *SQLiteStore) UpdateAnalysis(ctx context.Context, id string, u AnalysisUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	a, err := s.GetAnalysis(ctx, id)
	if err != nil {
		return err
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
	result, _ := marshalMap(a.Result)
	similar, _ := marshalStrings(a.SimilarQueries)
	_, err = s.db.ExecContext(ctx, `
		UPDATE analyses SET status=?, result=?, error=?, execution_time_ms=?, reuse_count=?, similar_queries=?, updated_at=?
		WHERE id=?
	`, string(a.Status), result, a.Error, a.ExecutionTimeMS, a.ReuseCount, similar, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return nil
}

// --- Queues ---

func (s *SQLiteStore) Enqueue(ctx context.Context, queue string, payload any, priority int) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()
	var raw []byte
	var err error
	switch p := payload.(type) {
	case *models.AnalysisJob:
		cp := *p
		cp.ID = id
		raw, err = json.Marshal(cp)
	case *models.ExecutionJob:
		cp := *p
		cp.ID = id
		raw, err = json.Marshal(cp)
	default:
		return "", fmt.Errorf("store: unsupported payload type %T for queue %q", payload, queue)
	}
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, status, priority, visible_after, claimed_by, attempts, last_error, payload, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, id, queue, string(models.JobStatusQueued), priority, now, "", 0, "", raw, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attempts, payload FROM queue_jobs
		WHERE queue = ? AND (status = ? OR (status = ? AND visible_after < ?))
		ORDER BY priority ASC, visible_after ASC LIMIT 1
	`, queue, string(models.JobStatusQueued), string(models.JobStatusRunning), now)

	var id string
	var attempts int
	var payload []byte
	if err := row.Scan(&id, &attempts, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan queue job: %w", err)
	}

	visibleAfter := now.Add(visibility)
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, claimed_by=?, visible_after=?, attempts=?, updated_at=? WHERE id=?
	`, string(models.JobStatusRunning), workerID, visibleAfter, attempts+1, now, id)
	if err != nil {
		return nil, fmt.Errorf("update claim: %w", err)
	}
	return decodeJob(queue, payload, models.JobStatusRunning, workerID, visibleAfter, attempts+1)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, queue, jobID, workerID string, visibility time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET visible_after=?, updated_at=? WHERE id=? AND queue=? AND claimed_by=?
	`, time.Now().UTC().Add(visibility), time.Now().UTC(), jobID, queue, workerID)
	return err
}

func (s *SQLiteStore) Complete(ctx context.Context, queue, jobID string, terminal models.JobStatus, fields map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, claimed_by='', updated_at=? WHERE id=? AND queue=?
	`, string(terminal), time.Now().UTC(), jobID, queue)
	return err
}

func (s *SQLiteStore) FailWithRetry(ctx context.Context, queue, jobID, lastError string, delay time.Duration, maxAttempts int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT attempts FROM queue_jobs WHERE id=? AND queue=?`, jobID, queue)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	now := time.Now().UTC()
	if attempts < maxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE queue_jobs SET status=?, claimed_by='', visible_after=?, last_error=?, updated_at=? WHERE id=?
		`, string(models.JobStatusQueued), now.Add(delay), lastError, now, jobID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, last_error=?, updated_at=? WHERE id=?
	`, string(models.JobStatusFailed), lastError, now, jobID)
	return err
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, queue, jobID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, claimed_by='', visible_after=?, attempts=0, last_error='', updated_at=?
		WHERE id=? AND queue=?
	`, string(models.JobStatusQueued), time.Now().UTC(), time.Now().UTC(), jobID, queue)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, queue string, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=?, claimed_by='', updated_at=? WHERE queue=? AND status=? AND visible_after < ?
	`, string(models.JobStatusQueued), now, queue, string(models.JobStatusRunning), now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Progress bus ---

func (s *SQLiteStore) AppendProgressEvent(ctx context.Context, e *models.ProgressEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	details, _ := marshalMap(e.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_events (id, session_id, ts, type, level, message, processed, details)
		VALUES (?,?,?,?,?,?,0,?)
	`, e.ID, e.SessionID, e.Timestamp, string(e.Type), string(e.Level), e.Message, details)
	return err
}

func (s *SQLiteStore) PollUnprocessedEvents(ctx context.Context, limit int) ([]*models.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ts, type, level, message, processed, details
		FROM progress_events WHERE processed = 0 ORDER BY ts ASC LIMIT ?
	`, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProgressEvent
	for rows.Next() {
		var e models.ProgressEvent
		var typ, level string
		var details []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &typ, &level, &e.Message, &e.Processed, &details); err != nil {
			return nil, err
		}
		e.Type = models.ProgressEventType(typ)
		e.Level = models.ProgressLevel(level)
		e.Details, _ = unmarshalMap(details)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, eventID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE progress_events SET processed = 1 WHERE id = ?`, eventID)
	return err
}

// --- Cache ---

func (s *SQLiteStore) CacheGet(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, result, analysis_id, expires_at, created_at FROM cache_entries WHERE key = ?
	`, key)
	var e models.CacheEntry
	var analysisID sql.NullString
	var result []byte
	if err := row.Scan(&e.Key, &result, &analysisID, &e.ExpiresAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if time.Now().UTC().After(e.ExpiresAt) {
		return nil, ErrNotFound
	}
	e.AnalysisID = analysisID.String
	e.Result, _ = unmarshalMap(result)
	return &e, nil
}

func (s *SQLiteStore) CachePut(ctx context.Context, entry *models.CacheEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, _ := marshalMap(entry.Result)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, result, analysis_id, expires_at, created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET result=excluded.result, analysis_id=excluded.analysis_id,
			expires_at=excluded.expires_at, created_at=excluded.created_at
	`, entry.Key, result, entry.AnalysisID, entry.ExpiresAt, entry.CreatedAt)
	return err
}

func (s *SQLiteStore) CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE analysis_id = ?`, analysisID)
	return err
}

// --- Script store ---

func (s *SQLiteStore) WriteScript(ctx context.Context, name, content string, metadata map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	meta, _ := marshalMap(metadata)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (name, content, metadata, created_at, updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET content=excluded.content, metadata=excluded.metadata,
			updated_at=excluded.updated_at
	`, name, content, meta, now, now)
	return err
}

func (s *SQLiteStore) ReadScript(ctx context.Context, name string) (*models.Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, content, metadata, created_at, updated_at FROM scripts WHERE name = ?
	`, name)
	var sc models.Script
	var meta []byte
	if err := row.Scan(&sc.Name, &sc.Content, &meta, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sc.Metadata, _ = unmarshalMap(meta)
	return &sc, nil
}

func (s *SQLiteStore) ListScripts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM scripts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
