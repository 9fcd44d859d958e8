package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		role TEXT NOT NULL,
		status INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		worker TEXT,
		phase TEXT,
		grp TEXT,
		result TEXT,
		reason TEXT,
		review_required INTEGER NOT NULL DEFAULT 0,
		risky INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		choice TEXT,
		rationale TEXT,
		alternatives TEXT,
		affected_tasks TEXT,
		reversible INTEGER NOT NULL DEFAULT 0,
		original TEXT,
		reversed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		status TEXT NOT NULL,
		phases TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		trigger_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		workers INTEGER NOT NULL DEFAULT 0,
		restorable INTEGER NOT NULL DEFAULT 1,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);

	CREATE TABLE IF NOT EXISTS event_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		task_id TEXT,
		payload TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
