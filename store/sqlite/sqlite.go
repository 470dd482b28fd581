// Package sqlite implements store.CapsuleStore and store.MessageStore
// using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store holds run capsules and thread messages in a local SQLite file.
type Store struct {
	db     *sql.DB
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

// New creates a Store using a local SQLite file at dbPath. Parent
// directories are created as needed. It opens a single shared connection
// pool with SetMaxOpenConns(1) so that all goroutines serialize through
// one connection, eliminating SQLITE_BUSY errors caused by concurrent
// writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the capsule and message tables with their indexes, and
// applies best-effort migrations.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS run_capsules (
			run_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			dataset_version_hash TEXT,
			question TEXT,
			query_mode TEXT NOT NULL,
			plan_json TEXT,
			compiled_sql TEXT,
			python_code TEXT,
			status TEXT NOT NULL,
			result_json TEXT,
			error_json TEXT,
			exec_time_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			dataset_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			run_id TEXT,
			metadata_json TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migration for databases created before python mode existed
	// (best-effort, silent fail if already applied).
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE run_capsules ADD COLUMN python_code TEXT")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_run_capsules_created_at ON run_capsules(created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_run_capsules_dataset_id ON run_capsules(dataset_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_thread_messages_thread_id ON thread_messages(thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_thread_messages_thread_id_id ON thread_messages(thread_id, id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// InsertCapsule records one finished run.
func (s *Store) InsertCapsule(ctx context.Context, c tabletalk.Capsule) error {
	start := time.Now()
	s.logger.Debug("sqlite: insert capsule", "run_id", c.RunID, "query_mode", c.QueryMode, "status", c.Status)

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_capsules (
			run_id, created_at, dataset_id, dataset_version_hash, question,
			query_mode, plan_json, compiled_sql, python_code, status, result_json,
			error_json, exec_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID,
		createdAt.UTC().Format(time.RFC3339Nano),
		c.DatasetID,
		nullString(c.DatasetVersionHash),
		nullString(c.Question),
		c.QueryMode,
		rawJSON(c.PlanJSON),
		nullString(c.CompiledSQL),
		nullString(c.PythonCode),
		c.Status,
		resultJSONColumn(c.Result),
		errorJSONColumn(c.Error),
		c.ExecTimeMS,
	)
	if err != nil {
		s.logger.Error("sqlite: insert capsule failed", "run_id", c.RunID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert capsule: %w", err)
	}
	s.logger.Debug("sqlite: insert capsule ok", "run_id", c.RunID, "duration", time.Since(start))
	return nil
}

// GetCapsule returns a capsule by run id, or nil when unknown.
func (s *Store) GetCapsule(ctx context.Context, runID string) (*tabletalk.Capsule, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get capsule", "run_id", runID)

	var (
		c                                          tabletalk.Capsule
		createdAt                                  string
		versionHash, question, compiledSQL, python sql.NullString
		planJSON, resultJSON, errorJSON            sql.NullString
		execTimeMS                                 sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, created_at, dataset_id, dataset_version_hash, question,
			query_mode, plan_json, compiled_sql, python_code, status, result_json,
			error_json, exec_time_ms
		 FROM run_capsules WHERE run_id = ?`, runID,
	).Scan(&c.RunID, &createdAt, &c.DatasetID, &versionHash, &question,
		&c.QueryMode, &planJSON, &compiledSQL, &python, &c.Status, &resultJSON,
		&errorJSON, &execTimeMS)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: get capsule not found", "run_id", runID, "duration", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: get capsule failed", "run_id", runID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get capsule: %w", err)
	}

	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.DatasetVersionHash = versionHash.String
	c.Question = question.String
	c.CompiledSQL = compiledSQL.String
	c.PythonCode = python.String
	c.ExecTimeMS = execTimeMS.Int64
	if planJSON.Valid {
		c.PlanJSON = json.RawMessage(planJSON.String)
	}
	if resultJSON.Valid {
		var r tabletalk.RunnerResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
			c.Result = &r
		}
	}
	if errorJSON.Valid {
		var e tabletalk.ErrorInfo
		if err := json.Unmarshal([]byte(errorJSON.String), &e); err == nil {
			c.Error = &e
		}
	}

	s.logger.Debug("sqlite: get capsule ok", "run_id", runID, "duration", time.Since(start))
	return &c, nil
}

// AppendMessage inserts one thread message.
func (s *Store) AppendMessage(ctx context.Context, m tabletalk.ThreadMessage) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "thread_id", m.ThreadID, "role", m.Role, "run_id", m.RunID)

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (thread_id, created_at, dataset_id, role, content, run_id, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ThreadID,
		createdAt.UTC().Format(time.RFC3339Nano),
		nullString(m.DatasetID),
		m.Role,
		m.Content,
		nullString(m.RunID),
		rawJSON(m.Metadata),
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "thread_id", m.ThreadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "thread_id", m.ThreadID, "duration", time.Since(start))
	return nil
}

// GetMessages returns the most recent limit messages for a thread in
// chronological order (oldest first).
func (s *Store) GetMessages(ctx context.Context, threadID string, limit int) ([]tabletalk.ThreadMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "thread_id", threadID, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, created_at, dataset_id, role, content, run_id, metadata_json
		 FROM thread_messages
		 WHERE thread_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []tabletalk.ThreadMessage
	for rows.Next() {
		var (
			m                          tabletalk.ThreadMessage
			createdAt                  string
			datasetID, runID, metaJSON sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &createdAt, &datasetID, &m.Role, &m.Content, &runID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.DatasetID = datasetID.String
		m.RunID = runID.String
		if metaJSON.Valid {
			m.Metadata = json.RawMessage(metaJSON.String)
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

	s.logger.Debug("sqlite: get messages ok", "thread_id", threadID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	v := string(raw)
	return &v
}

func resultJSONColumn(r *tabletalk.RunnerResult) *string {
	if r == nil {
		return nil
	}
	data, _ := json.Marshal(r)
	v := string(data)
	return &v
}

func errorJSONColumn(e *tabletalk.ErrorInfo) *string {
	if e == nil {
		return nil
	}
	data, _ := json.Marshal(e)
	v := string(data)
	return &v
}
