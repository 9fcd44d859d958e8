package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/helmsman-dev/helmsman/internal/checkpoint"
	"github.com/helmsman-dev/helmsman/internal/decision"
	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/phase"
	_ "modernc.org/sqlite"
)

// Store defines the persistence interface for tasks, decisions, workflow
// state, checkpoints and the event log.
type Store interface {
	// Task graph operations
	SaveTask(ctx context.Context, task *graph.Task) error
	GetTask(ctx context.Context, taskID string) (*graph.Task, error)
	ListTasks(ctx context.Context) ([]*graph.Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	// Decision log
	SaveDecision(ctx context.Context, d *decision.Decision) error
	ListDecisions(ctx context.Context) ([]*decision.Decision, error)

	// Workflow state: the loop's status plus the phase snapshot
	SaveWorkflowState(ctx context.Context, status string, phases *phase.Snapshot) error
	GetWorkflowState(ctx context.Context) (status string, phases *phase.Snapshot, err error)

	// Checkpoint index and payloads
	SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]checkpoint.Entry, error)
	MarkCheckpointNotRestorable(ctx context.Context, id string) error

	// Event log
	AppendEvent(ctx context.Context, eventType, taskID, payload string) error
	RecentEvents(ctx context.Context, limit int) ([]LogEntry, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)
var _ checkpoint.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries (prevents deadlock in ListTasks)
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Use file::memory:?cache=shared to allow multiple connections to the same in-memory DB
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

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
