// Package postgres implements store.CapsuleStore and store.MessageStore
// using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/store"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store holds run capsules and thread messages in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.CapsuleStore = (*Store)(nil)
var _ store.MessageStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_capsules (
			run_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			dataset_id TEXT NOT NULL,
			dataset_version_hash TEXT,
			question TEXT,
			query_mode TEXT NOT NULL,
			plan_json JSONB,
			compiled_sql TEXT,
			python_code TEXT,
			status TEXT NOT NULL,
			result_json JSONB,
			error_json JSONB,
			exec_time_ms BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			id BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			dataset_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			run_id TEXT,
			metadata_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_capsules_created_at ON run_capsules(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_capsules_dataset_id ON run_capsules(dataset_id)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread_id ON thread_messages(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread_id_id ON thread_messages(thread_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// InsertCapsule records one finished run.
func (s *Store) InsertCapsule(ctx context.Context, c tabletalk.Capsule) error {
	start := time.Now()
	s.logger.Debug("postgres: insert capsule", "run_id", c.RunID, "query_mode", c.QueryMode, "status", c.Status)

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var resultJSON, errorJSON []byte
	if c.Result != nil {
		resultJSON, _ = json.Marshal(c.Result)
	}
	if c.Error != nil {
		errorJSON, _ = json.Marshal(c.Error)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_capsules (
			run_id, created_at, dataset_id, dataset_version_hash, question,
			query_mode, plan_json, compiled_sql, python_code, status, result_json,
			error_json, exec_time_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.RunID, createdAt, c.DatasetID,
		nullString(c.DatasetVersionHash), nullString(c.Question),
		c.QueryMode, nullBytes(c.PlanJSON), nullString(c.CompiledSQL),
		nullString(c.PythonCode), c.Status, nullBytes(resultJSON),
		nullBytes(errorJSON), c.ExecTimeMS,
	)
	if err != nil {
		s.logger.Error("postgres: insert capsule failed", "run_id", c.RunID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert capsule: %w", err)
	}
	s.logger.Debug("postgres: insert capsule ok", "run_id", c.RunID, "duration", time.Since(start))
	return nil
}

// GetCapsule returns a capsule by run id, or nil when unknown.
func (s *Store) GetCapsule(ctx context.Context, runID string) (*tabletalk.Capsule, error) {
	start := time.Now()
	s.logger.Debug("postgres: get capsule", "run_id", runID)

	var (
		c                                          tabletalk.Capsule
		versionHash, question, compiledSQL, python *string
		planJSON, resultJSON, errorJSON            []byte
		execTimeMS                                 *int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, created_at, dataset_id, dataset_version_hash, question,
			query_mode, plan_json, compiled_sql, python_code, status, result_json,
			error_json, exec_time_ms
		 FROM run_capsules WHERE run_id = $1`, runID,
	).Scan(&c.RunID, &c.CreatedAt, &c.DatasetID, &versionHash, &question,
		&c.QueryMode, &planJSON, &compiledSQL, &python, &c.Status, &resultJSON,
		&errorJSON, &execTimeMS)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Debug("postgres: get capsule not found", "run_id", runID, "duration", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("postgres: get capsule failed", "run_id", runID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get capsule: %w", err)
	}

	c.DatasetVersionHash = deref(versionHash)
	c.Question = deref(question)
	c.CompiledSQL = deref(compiledSQL)
	c.PythonCode = deref(python)
	if execTimeMS != nil {
		c.ExecTimeMS = *execTimeMS
	}
	if len(planJSON) > 0 {
		c.PlanJSON = json.RawMessage(planJSON)
	}
	if len(resultJSON) > 0 {
		var r tabletalk.RunnerResult
		if err := json.Unmarshal(resultJSON, &r); err == nil {
			c.Result = &r
		}
	}
	if len(errorJSON) > 0 {
		var e tabletalk.ErrorInfo
		if err := json.Unmarshal(errorJSON, &e); err == nil {
			c.Error = &e
		}
	}

	s.logger.Debug("postgres: get capsule ok", "run_id", runID, "duration", time.Since(start))
	return &c, nil
}

// AppendMessage inserts one thread message.
func (s *Store) AppendMessage(ctx context.Context, m tabletalk.ThreadMessage) error {
	start := time.Now()
	s.logger.Debug("postgres: append message", "thread_id", m.ThreadID, "role", m.Role, "run_id", m.RunID)

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO thread_messages (thread_id, created_at, dataset_id, role, content, run_id, metadata_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ThreadID, createdAt, nullString(m.DatasetID), m.Role, m.Content,
		nullString(m.RunID), nullBytes(m.Metadata),
	)
	if err != nil {
		s.logger.Error("postgres: append message failed", "thread_id", m.ThreadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("postgres: append message ok", "thread_id", m.ThreadID, "duration", time.Since(start))
	return nil
}

// GetMessages returns the most recent limit messages for a thread in
// chronological order (oldest first).
func (s *Store) GetMessages(ctx context.Context, threadID string, limit int) ([]tabletalk.ThreadMessage, error) {
	start := time.Now()
	s.logger.Debug("postgres: get messages", "thread_id", threadID, "limit", limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, created_at, dataset_id, role, content, run_id, metadata_json
		 FROM thread_messages
		 WHERE thread_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		threadID, limit,
	)
	if err != nil {
		s.logger.Error("postgres: get messages failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []tabletalk.ThreadMessage
	for rows.Next() {
		var (
			m                tabletalk.ThreadMessage
			datasetID, runID *string
			metaJSON         []byte
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.CreatedAt, &datasetID, &m.Role, &m.Content, &runID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.DatasetID = deref(datasetID)
		m.RunID = deref(runID)
		if len(metaJSON) > 0 {
			m.Metadata = json.RawMessage(metaJSON)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("postgres: get messages ok", "thread_id", threadID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
