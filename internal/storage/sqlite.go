package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrActiveRunExists is returned by CreateRun when the artifact already
	// has an active run.
	ErrActiveRunExists = errors.New("artifact already has an active run")
)

// Store is the durable record of runs. Readers never block on the single
// writer: the database runs in WAL mode.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
}

func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	s := &Store{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	s.log.Debug("store opened", zap.String("path", dbPath))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		artifact_path TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		state TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		event_type TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		iteration INTEGER,
		payload TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		role TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL,
		template TEXT NOT NULL,
		result_type TEXT NOT NULL,
		payload TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(run_id, role, phase, iteration, template, result_type)
	);

	CREATE TABLE IF NOT EXISTS quality_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		phase TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		outputs TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(run_id, phase, attempt)
	);

	CREATE TABLE IF NOT EXISTS plan_worktrees (
		plan_path TEXT PRIMARY KEY,
		worktree_path TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_artifact ON runs(artifact_path, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active ON runs(artifact_path) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_agent_results_run ON agent_results(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() time.Time {
	return time.Now().UTC()
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("Jan 2")
	}
}
