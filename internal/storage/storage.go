package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/retry"
)

// Storage provides persistence for tasks, executions and queue messages.
type Storage interface {
	Init(path string) error
	Close() error

	// InTx runs fn in one transaction. Calls made with the ctx handed to fn
	// join it; nested InTx calls join the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateTask(ctx context.Context, t *job.Task) error
	GetTask(ctx context.Context, id string) (*job.Task, error)
	FindTaskByKey(ctx context.Context, key string) (*job.Task, error)

	CreateExecution(ctx context.Context, e *job.Execution) error
	GetExecution(ctx context.Context, id string) (*job.Execution, error)
	GetExecutionForUpdate(ctx context.Context, id string) (*job.Execution, error)
	UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) (*job.Execution, error)
	SetBrokerRef(ctx context.Context, id, ref string) error
	FindLatestExecution(ctx context.Context, field, value string) (*job.Execution, error)
	ListExecutions(ctx context.Context, status job.Status, limit int) ([]*job.Execution, error)
	History(ctx context.Context, id string, limit int) ([]*job.Execution, error)

	EnqueueMessage(ctx context.Context, m *Message) error
	ClaimMessage(ctx context.Context, subject, owner string, lease time.Duration) (*Message, error)
	AckMessage(ctx context.Context, id string) error
	NackMessage(ctx context.Context, id string, delay time.Duration) error
	CancelMessage(ctx context.Context, id string) error
	ExpiredLeases(ctx context.Context, limit int) ([]*Message, error)
	ReleaseMessage(ctx context.Context, id string) error
	DeadLetterMessage(ctx context.Context, id string) error
}

type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
	busy   retry.Policy
	now    func() time.Time
}

var _ Storage = (*SQLiteStorage)(nil)

func NewSQLiteStorage(logger *slog.Logger) *SQLiteStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStorage{
		logger: logger.With("component", "storage"),
		busy: retry.Policy{
			MaxAttempts:     6,
			BaseDelay:       50 * time.Millisecond,
			MaxDelay:        500 * time.Millisecond,
			ExponentialBase: 2.0,
			Jitter:          true,
			Retryable:       isBusy,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Init opens the database. Transactions start IMMEDIATE so the first read in
// a transaction already holds the write lock; that is what makes
// GetExecutionForUpdate a locked read.
func (s *SQLiteStorage) Init(path string) error {
	if path == "" {
		path = "queue.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	ctx := context.Background()
	for _, p := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			default_priority INTEGER NOT NULL CHECK(default_priority BETWEEN 0 AND 9),
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			parameters TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL CHECK(priority BETWEEN 0 AND 9),
			attempt INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			broker_ref TEXT,
			prev_execution_id TEXT REFERENCES task_executions(id),
			scheduled_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON task_executions(status);`,
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			state TEXT NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			available_at TEXT NOT NULL,
			lease_owner TEXT,
			lease_expires_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ready ON queue_messages(subject, state, priority, available_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// q returns the transaction carried by ctx, or the pool.
func (s *SQLiteStorage) q(ctx context.Context) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

func (s *SQLiteStorage) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	return s.busy.Do(ctx, "tx", s.logger, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// write runs a single-statement write, retrying when SQLite reports BUSY. Inside
// a transaction the retry belongs to the enclosing InTx.
func (s *SQLiteStorage) write(ctx context.Context, name string, fn func(q querier) error) error {
	if tx, ok := txFrom(ctx); ok {
		return fn(tx)
	}
	return s.busy.Do(ctx, name, s.logger, func(context.Context) error { return fn(s.db) })
}

// isBusy matches SQLITE_BUSY and SQLITE_LOCKED.
func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts(*t), Valid: true}
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
