package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/loomlabs/loom/pkg/models"
)

// SQLiteStore implements the three storage interfaces on a single sqlite
// database. Structured fields are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a sqlite database at path and
// bootstraps the schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT,
			user_id TEXT,
			summary TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			parts TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			tool_name TEXT,
			in_progress INTEGER NOT NULL DEFAULT 0,
			run_id TEXT,
			step_id TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_type TEXT,
			status TEXT NOT NULL,
			config TEXT,
			last_error TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON agent_runs(thread_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalJSON[T any](src sql.NullString) (T, error) {
	var out T
	if !src.Valid || src.String == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(src.String), &out)
	return out, err
}

func (s *SQLiteStore) Create(ctx context.Context, thread *models.Thread) (*models.Thread, error) {
	clone := cloneThread(thread)
	if clone == nil {
		clone = &models.Thread{}
	}
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt

	meta, err := marshalJSON(clone.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, user_id, summary, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clone.ID, clone.Title, clone.UserID, clone.Summary, meta, clone.CreatedAt, clone.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return clone, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, user_id, summary, metadata, created_at, updated_at FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

func scanThread(row *sql.Row) (*models.Thread, error) {
	var t models.Thread
	var meta sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.UserID, &t.Summary, &meta, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Metadata, err = unmarshalJSON[map[string]any](meta); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch ThreadPatch) (*models.Thread, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		existing.Title = *patch.Title
	}
	if patch.Summary != nil {
		existing.Summary = *patch.Summary
	}
	if patch.Metadata != nil {
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			existing.Metadata[k] = v
		}
	}
	existing.UpdatedAt = time.Now()

	meta, err := marshalJSON(existing.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, summary = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		existing.Title, existing.Summary, meta, existing.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	return existing, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, filter ThreadFilter) ([]*models.Thread, error) {
	query := `SELECT id, title, user_id, summary, metadata, created_at, updated_at FROM threads`
	var args []any
	if filter.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Thread
	for rows.Next() {
		var t models.Thread
		var meta sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &t.UserID, &t.Summary, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if t.Metadata, err = unmarshalJSON[map[string]any](meta); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Add(ctx context.Context, msg *models.Message) (*models.Message, error) {
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}

	parts, err := marshalJSON(nullableSlice(clone.Parts))
	if err != nil {
		return nil, err
	}
	toolCalls, err := marshalJSON(nullableSlice(clone.ToolCalls))
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(clone.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, parts, tool_calls, tool_call_id, tool_name,
		 in_progress, run_id, step_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clone.ID, clone.ThreadID, clone.Role, clone.Content, parts, toolCalls,
		clone.ToolCallID, clone.ToolName, clone.InProgress, clone.RunID, clone.StepID, meta, clone.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return clone, nil
}

func nullableSlice[T any](s []T) any {
	if len(s) == 0 {
		return nil
	}
	return s
}

const messageColumns = `id, thread_id, role, content, parts, tool_calls, tool_call_id, tool_name,
	in_progress, run_id, step_id, metadata, created_at`

func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string, q MessageQuery) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = ?`
	args := []any{threadID}
	if !q.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, q.Before)
	}
	if !q.After.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, q.After)
	}
	// Newest-first so LIMIT keeps the most recent slice; ascending callers
	// get the result re-reversed below.
	query += ` ORDER BY created_at DESC, rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Order != OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var m models.Message
	var parts, toolCalls, meta sql.NullString
	err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &parts, &toolCalls,
		&m.ToolCallID, &m.ToolName, &m.InProgress, &m.RunID, &m.StepID, &meta, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if m.Parts, err = unmarshalJSON[[]models.ContentPart](parts); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = unmarshalJSON[[]models.ToolCall](toolCalls); err != nil {
		return nil, err
	}
	if m.Metadata, err = unmarshalJSON[map[string]any](meta); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.InProgress != nil {
		msg.InProgress = *patch.InProgress
	}
	if patch.ToolCalls != nil {
		msg.ToolCalls = append([]models.ToolCall{}, patch.ToolCalls...)
	}
	if patch.Metadata != nil {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			msg.Metadata[k] = v
		}
	}

	toolCalls, err := marshalJSON(nullableSlice(msg.ToolCalls))
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(msg.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, in_progress = ?, tool_calls = ?, metadata = ? WHERE id = ?`,
		msg.Content, msg.InProgress, toolCalls, meta, id)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	clone := cloneRun(run)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.Status == "" {
		clone.Status = models.RunQueued
	}

	config, err := marshalJSON(clone.Config)
	if err != nil {
		return nil, err
	}
	lastErr, err := marshalJSON(clone.LastError)
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(clone.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, thread_id, agent_type, status, config, last_error, metadata,
		 created_at, started_at, completed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clone.ID, clone.ThreadID, clone.AgentType, clone.Status, config, lastErr, meta,
		clone.CreatedAt, clone.StartedAt, clone.CompletedAt, clone.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return clone, nil
}

const runColumns = `id, thread_id, agent_type, status, config, last_error, metadata,
	created_at, started_at, completed_at, expires_at`

func scanRun(rows *sql.Rows) (*models.AgentRun, error) {
	var r models.AgentRun
	var config, lastErr, meta sql.NullString
	var started, completed, expires sql.NullTime
	err := rows.Scan(&r.ID, &r.ThreadID, &r.AgentType, &r.Status, &config, &lastErr, &meta,
		&r.CreatedAt, &started, &completed, &expires)
	if err != nil {
		return nil, err
	}
	if r.Config, err = unmarshalJSON[models.RunConfig](config); err != nil {
		return nil, err
	}
	if lastErr.Valid && lastErr.String != "" && lastErr.String != "null" {
		var re models.RunError
		if err := json.Unmarshal([]byte(lastErr.String), &re); err != nil {
			return nil, err
		}
		r.LastError = &re
	}
	if r.Metadata, err = unmarshalJSON[map[string]any](meta); err != nil {
		return nil, err
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	if expires.Valid {
		r.ExpiresAt = &expires.Time
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanRun(rows)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, id string, patch RunPatch) (*models.AgentRun, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = patch.CompletedAt
	}
	if patch.LastError != nil {
		run.LastError = patch.LastError
	}
	if patch.Metadata != nil {
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			run.Metadata[k] = v
		}
	}

	lastErr, err := marshalJSON(run.LastError)
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(run.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, last_error = ?, metadata = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		run.Status, lastErr, meta, run.StartedAt, run.CompletedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE 1=1`
	var args []any
	if filter.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + repeat(",?", len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if !filter.ExpiredBefore.IsZero() {
		query += ` AND expires_at IS NOT NULL AND expires_at < ?`
		args = append(args, filter.ExpiredBefore)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// Threads returns the store as a ThreadStorage.
func (s *SQLiteStore) Threads() ThreadStorage { return s }

// Messages returns the store as a MessageStorage.
func (s *SQLiteStore) Messages() MessageStorage { return sqliteMessageView{s} }

// Runs returns the store as an AgentRunStorage.
func (s *SQLiteStore) Runs() AgentRunStorage { return sqliteRunView{s} }

type sqliteMessageView struct{ *SQLiteStore }

func (v sqliteMessageView) List(ctx context.Context, threadID string, q MessageQuery) ([]*models.Message, error) {
	return v.ListMessages(ctx, threadID, q)
}

func (v sqliteMessageView) Update(ctx context.Context, id string, patch MessagePatch) (*models.Message, error) {
	return v.UpdateMessage(ctx, id, patch)
}

func (v sqliteMessageView) Delete(ctx context.Context, id string) error {
	return v.DeleteMessage(ctx, id)
}

type sqliteRunView struct{ *SQLiteStore }

func (v sqliteRunView) Create(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	return v.CreateRun(ctx, run)
}

func (v sqliteRunView) Get(ctx context.Context, id string) (*models.AgentRun, error) {
	return v.GetRun(ctx, id)
}

func (v sqliteRunView) Update(ctx context.Context, id string, patch RunPatch) (*models.AgentRun, error) {
	return v.UpdateRun(ctx, id, patch)
}

func (v sqliteRunView) List(ctx context.Context, filter RunFilter) ([]*models.AgentRun, error) {
	return v.ListRuns(ctx, filter)
}
