// Package persistence stores tasks, agent sessions, merge queue history and
// batch statistics in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/mergeflow/internal/mergequeue"
	"github.com/aristath/mergeflow/internal/scheduler"
)

// ErrNotFound is returned when a task or session does not exist.
var ErrNotFound = errors.New("not found")

// ConversationTurn represents a single message in a task's conversation history.
type ConversationTurn struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Store is the persistence surface used by the driver and the CLI.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, reason string) error
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)

	// Agent sessions and conversation history
	SaveSession(ctx context.Context, taskID, sessionID, backendType string) error
	GetSession(ctx context.Context, taskID string) (sessionID string, backendType string, err error)
	SaveMessage(ctx context.Context, taskID, role, content string) error
	GetHistory(ctx context.Context, taskID string) ([]ConversationTurn, error)

	// Merge queue history; also satisfies mergequeue.Recorder
	RecordItem(ctx context.Context, item mergequeue.Item) error
	ListItems(ctx context.Context) ([]mergequeue.Item, error)
	RecordStats(ctx context.Context, runID string, stats mergequeue.Stats) error
	GetStats(ctx context.Context, runID string) (mergequeue.Stats, error)

	Close() error
}

var _ mergequeue.Recorder = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// Creates parent directories if needed. Enables WAL mode, foreign keys and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, connPragmas)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory store, mostly for tests.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// A unique name keeps concurrent stores apart while the shared cache lets
	// the pool's connections see the same database.
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&%s", uuid.NewString(), connPragmas)
	return open(ctx, connStr)
}

// connPragmas are applied by the driver to every pooled connection.
const connPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for nested lookups.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a serializable transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
