package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/quantloft/orcad/internal/models"
)

// PostgresConfig holds connection-pool tuning for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store atop a Postgres-compatible database via
// lib/pq. The atomic claim operations rely on `SELECT ... FOR UPDATE SKIP
// LOCKED`, so they require a database that supports it (Postgres,
// CockroachDB).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens and pings a connection, applying config.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalStrings(v []string) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func unmarshalStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	msgIDs, err := marshalStrings(sess.MessageIDs)
	if err != nil {
		return err
	}
	analysisIDs, err := marshalStrings(sess.AnalysisIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, title, message_ids, analysis_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, nullableString(sess.Title), msgIDs, analysisIDs, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, message_ids, analysis_ids, created_at, updated_at
		FROM chat_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func scanSession(row scanner) (*models.ChatSession, error) {
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
	var err error
	if sess.MessageIDs, err = unmarshalStrings(msgIDs); err != nil {
		return nil, err
	}
	if sess.AnalysisIDs, err = unmarshalStrings(analysisIDs); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) AppendSessionMessage(ctx context.Context, sessionID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET message_ids = message_ids || to_jsonb($2::text), updated_at = $3
		WHERE id = $1
	`, sessionID, messageID, time.Now().UTC())
	return err
}

func (s *PostgresStore) AppendSessionAnalysis(ctx context.Context, sessionID, analysisID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET analysis_ids = analysis_ids || to_jsonb($2::text), updated_at = $3
		WHERE id = $1
	`, sessionID, analysisID, time.Now().UTC())
	return err
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	snapshot, err := marshalAnalysisSnapshot(m.AnalysisSnapshot)
	if err != nil {
		return err
	}
	tools, err := marshalStrings(m.ToolsInvoked)
	if err != nil {
		return err
	}
	meta, err := marshalMap(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages
			(id, session_id, role, content, analysis_snapshot, analysis_id,
			 generated_script, tools_invoked, status, query_type,
			 original_question, expanded_text, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, m.ID, m.SessionID, m.Role, m.Content, snapshot, nullableString(m.AnalysisID),
		nullableString(m.GeneratedScript), tools, string(m.Status), nullableString(string(m.QueryType)),
		nullableString(m.OriginalQuestion), nullableString(m.ExpandedText), meta, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func marshalAnalysisSnapshot(a *models.Analysis) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, analysis_snapshot, analysis_id,
			   generated_script, tools_invoked, status, query_type,
			   original_question, expanded_text, metadata, created_at, updated_at
		FROM chat_messages WHERE id = $1
	`, id)
	return scanMessage(row)
}

func scanMessage(row scanner) (*models.ChatMessage, error) {
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
	var err error
	if m.ToolsInvoked, err = unmarshalStrings(tools); err != nil {
		return nil, err
	}
	if m.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, u MessageUpdate) error {
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
	snapshot, err := marshalAnalysisSnapshot(m.AnalysisSnapshot)
	if err != nil {
		return err
	}
	tools, err := marshalStrings(m.ToolsInvoked)
	if err != nil {
		return err
	}
	meta, err := marshalMap(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_messages SET
			status=$1, query_type=$2, expanded_text=$3, analysis_id=$4, analysis_snapshot=$5,
			generated_script=$6, tools_invoked=$7, metadata=$8, updated_at=$9
		WHERE id=$10
	`, string(m.Status), nullableString(string(m.QueryType)), nullableString(m.ExpandedText), nullableString(m.AnalysisID), snapshot,
		nullableString(m.GeneratedScript), tools, meta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	// See SQLiteStore.ListSessionMessages: descending + reverse to get the
	// last `limit` messages rather than the first.
	order := "ASC"
	if limit > 0 {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, analysis_snapshot, analysis_id,
			   generated_script, tools_invoked, status, query_type,
			   original_question, expanded_text, metadata, created_at, updated_at
		FROM chat_messages WHERE session_id = $1 ORDER BY created_at `+order+` LIMIT $2
	`, sessionID, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
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

func nullLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

// --- Analyses ---

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	params, err := marshalMap(a.Parameters)
	if err != nil {
		return err
	}
	result, err := marshalMap(a.Result)
	if err != nil {
		return err
	}
	mcpCalls, err := marshalStrings(a.MCPCalls)
	if err != nil {
		return err
	}
	dataSources, err := marshalStrings(a.DataSources)
	if err != nil {
		return err
	}
	similar, err := marshalStrings(a.SimilarQueries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses
			(id, owner_user_id, title, description, category, parameters,
			 script_name, generated_script, mcp_calls, data_sources, result, status, error,
			 execution_time_ms, is_template, similar_queries, reuse_count,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, a.ID, a.OwnerUserID, a.Title, nullableString(a.Description), nullableString(a.Category), params,
		nullableString(a.ScriptName), a.GeneratedScript, mcpCalls, dataSources, result, string(a.Status), nullableString(a.Error),
		a.ExecutionTimeMS, a.IsTemplate, similar, a.ReuseCount, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, title, description, category, parameters,
			   script_name, generated_script, mcp_calls, data_sources, result, status, error,
			   execution_time_ms, is_template, similar_queries, reuse_count,
			   created_at, updated_at
		FROM analyses WHERE id = $1
	`, id)
	return scanAnalysis(row)
}

func scanAnalysis(row scanner) (*models.Analysis, error) {
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
	var err error
	if a.Parameters, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if a.Result, err = unmarshalMap(result); err != nil {
		return nil, err
	}
	if a.MCPCalls, err = unmarshalStrings(mcpCalls); err != nil {
		return nil, err
	}
	if a.DataSources, err = unmarshalStrings(dataSources); err != nil {
		return nil, err
	}
	if a.SimilarQueries, err = unmarshalStrings(similar); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAnalysis(ctx context.Context, id string, u AnalysisUpdate) error {
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
	result, err := marshalMap(a.Result)
	if err != nil {
		return err
	}
	similar, err := marshalStrings(a.SimilarQueries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE analyses SET status=$1, result=$2, error=$3, execution_time_ms=$4,
			reuse_count=$5, similar_queries=$6, updated_at=$7
		WHERE id=$8
	`, string(a.Status), result, nullableString(a.Error), a.ExecutionTimeMS, a.ReuseCount, similar, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return nil
}

// --- Queues ---
//
// Both queues share one table; the payload-specific fields live in a JSON
// column while the claim fields (§4.1) are real columns so ClaimNext's
// WHERE/ORDER BY can use them directly instead of unpacking JSON per row.

func (s *PostgresStore) Enqueue(ctx context.Context, queue string, payload any, priority int) (string, error) {
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
		INSERT INTO queue_jobs
			(id, queue, status, priority, visible_after, claimed_by, attempts,
			 last_error, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, id, queue, string(models.JobStatusQueued), priority, now, nullableString(""), 0,
		nullableString(""), raw, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext matches §4.1: a queued job, or a running job whose visibility
// has lapsed, claimed via SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never double-claim the same row.
func (s *PostgresStore) ClaimNext(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			_ = rerr
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT id, queue, status, priority, visible_after, claimed_by, attempts,
			   last_error, payload, created_at, updated_at
		FROM queue_jobs
		WHERE queue = $1
		  AND (status = $2 OR (status = $3 AND visible_after < $4))
		ORDER BY priority ASC, visible_after ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, queue, string(models.JobStatusQueued), string(models.JobStatusRunning), now)

	id, attempts, payload, err := scanQueueRowForClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue job: %w", err)
	}

	visibleAfter := now.Add(visibility)
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_jobs SET status=$1, claimed_by=$2, visible_after=$3, attempts=$4, updated_at=$5
		WHERE id=$6
	`, string(models.JobStatusRunning), workerID, visibleAfter, attempts+1, now, id)
	if err != nil {
		return nil, fmt.Errorf("update claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return decodeJob(queue, payload, models.JobStatusRunning, workerID, visibleAfter, attempts+1)
}

func scanQueueRowForClaim(row scanner) (id string, attempts int, payload []byte, err error) {
	var queueName, status, claimedBy, lastErr string
	var priority int
	var visibleAfter, createdAt, updatedAt time.Time
	err = row.Scan(&id, &queueName, &status, &priority, &visibleAfter, &claimedBy, &attempts,
		&lastErr, &payload, &createdAt, &updatedAt)
	return id, attempts, payload, err
}

func decodeJob(queue string, payload []byte, status models.JobStatus, claimedBy string, visibleAfter time.Time, attempts int) (*Job, error) {
	j := &Job{Queue: queue}
	switch queue {
	case QueueAnalysis:
		var a models.AnalysisJob
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, err
		}
		a.Status, a.ClaimedBy, a.VisibleAfter, a.Attempts = status, claimedBy, visibleAfter, attempts
		j.AnalysisJob = &a
	case QueueExecution:
		var e models.ExecutionJob
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		e.Status, e.ClaimedBy, e.VisibleAfter, e.Attempts = status, claimedBy, visibleAfter, attempts
		j.ExecutionJob = &e
	default:
		return nil, fmt.Errorf("store: unknown queue %q", queue)
	}
	return j, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, queue, jobID, workerID string, visibility time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET visible_after=$1, updated_at=$1
		WHERE id=$2 AND queue=$3 AND claimed_by=$4
	`, time.Now().UTC().Add(visibility), jobID, queue, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	_, err = res.RowsAffected()
	return err
}

func (s *PostgresStore) Complete(ctx context.Context, queue, jobID string, terminal models.JobStatus, fields map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=$1, claimed_by='', updated_at=$2
		WHERE id=$3 AND queue=$4
	`, string(terminal), time.Now().UTC(), jobID, queue)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailWithRetry(ctx context.Context, queue, jobID, lastError string, delay time.Duration, maxAttempts int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET
			status = CASE WHEN attempts < $1 THEN $2 ELSE $3 END,
			claimed_by = CASE WHEN attempts < $1 THEN '' ELSE claimed_by END,
			visible_after = CASE WHEN attempts < $1 THEN $4 ELSE visible_after END,
			last_error = $5,
			updated_at = $6
		WHERE id = $7 AND queue = $8
	`, maxAttempts, string(models.JobStatusQueued), string(models.JobStatusFailed),
		now.Add(delay), lastError, now, jobID, queue)
	if err != nil {
		return fmt.Errorf("fail with retry: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, queue, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=$1, claimed_by='', visible_after=$2, attempts=0, last_error='', updated_at=$2
		WHERE id=$3 AND queue=$4
	`, string(models.JobStatusQueued), now, jobID, queue)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, queue string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status=$1, claimed_by='', updated_at=$2
		WHERE queue=$3 AND status=$4 AND visible_after < $2
	`, string(models.JobStatusQueued), now, queue, string(models.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Progress bus ---

func (s *PostgresStore) AppendProgressEvent(ctx context.Context, e *models.ProgressEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	details, err := marshalMap(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO progress_events (id, session_id, ts, type, level, message, processed, details)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7)
	`, e.ID, e.SessionID, e.Timestamp, string(e.Type), string(e.Level), e.Message, details)
	if err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	return nil
}

func (s *PostgresStore) PollUnprocessedEvents(ctx context.Context, limit int) ([]*models.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ts, type, level, message, processed, details
		FROM progress_events WHERE processed = false ORDER BY ts ASC LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("poll progress events: %w", err)
	}
	defer rows.Close()

	var out []*models.ProgressEvent
	for rows.Next() {
		var e models.ProgressEvent
		var typ, level string
		var details []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &typ, &level, &e.Message, &e.Processed, &details); err != nil {
			return nil, fmt.Errorf("scan progress event: %w", err)
		}
		e.Type = models.ProgressEventType(typ)
		e.Level = models.ProgressLevel(level)
		if e.Details, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE progress_events SET processed = true WHERE id = $1`, eventID)
	return err
}

// --- Cache ---

func (s *PostgresStore) CacheGet(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, result, analysis_id, expires_at, created_at
		FROM cache_entries WHERE key = $1
	`, key)
	var e models.CacheEntry
	var analysisID sql.NullString
	var result []byte
	if err := row.Scan(&e.Key, &result, &analysisID, &e.ExpiresAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}
	if time.Now().UTC().After(e.ExpiresAt) {
		return nil, ErrNotFound
	}
	e.AnalysisID = analysisID.String
	var err error
	if e.Result, err = unmarshalMap(result); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CachePut(ctx context.Context, entry *models.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := marshalMap(entry.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, result, analysis_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (key) DO UPDATE SET
			result = EXCLUDED.result, analysis_id = EXCLUDED.analysis_id,
			expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
	`, entry.Key, result, nullableString(entry.AnalysisID), entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *PostgresStore) CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE analysis_id = $1`, analysisID)
	return err
}

func (s *PostgresStore) WriteScript(ctx context.Context, name, content string, metadata map[string]any) error {
	meta, err := marshalMap(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (name, content, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (name) DO UPDATE SET
			content = EXCLUDED.content, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
	`, name, content, meta, now)
	if err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadScript(ctx context.Context, name string) (*models.Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, content, metadata, created_at, updated_at FROM scripts WHERE name = $1
	`, name)
	var sc models.Script
	var meta []byte
	if err := row.Scan(&sc.Name, &sc.Content, &meta, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan script: %w", err)
	}
	var err error
	if sc.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ListScripts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM scripts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
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
