package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/helmsman-dev/helmsman/internal/graph"
)

const timeLayout = time.RFC3339Nano

func timeToDB(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func timeFromDB(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent. A task keeps its original
// save order on update so that reloads preserve dispatch tie-breaks.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *graph.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, role, status, priority, worker, phase, grp,
			result, reason, review_required, risky, attempts,
			created_at, started_at, finished_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks))
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			role = excluded.role,
			status = excluded.status,
			priority = excluded.priority,
			worker = excluded.worker,
			phase = excluded.phase,
			grp = excluded.grp,
			result = excluded.result,
			reason = excluded.reason,
			review_required = excluded.review_required,
			risky = excluded.risky,
			attempts = excluded.attempts,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, task.ID, task.Title, task.Role, task.Status, task.Priority, task.Worker,
		task.Phase, task.Group, task.Result, task.Reason,
		task.ReviewRequired, task.Risky, task.Attempts,
		timeToDB(task.CreatedAt), timeToDB(task.StartedAt), timeToDB(task.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const taskColumns = `id, title, role, status, priority, worker, phase, grp,
	result, reason, review_required, risky, attempts,
	created_at, started_at, finished_at`

func scanTask(scan func(...any) error) (*graph.Task, error) {
	task := &graph.Task{}
	var worker, phase, grp, result, reason sql.NullString
	var createdAt, startedAt, finishedAt sql.NullString

	err := scan(&task.ID, &task.Title, &task.Role, &task.Status, &task.Priority,
		&worker, &phase, &grp, &result, &reason,
		&task.ReviewRequired, &task.Risky, &task.Attempts,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	task.Worker = worker.String
	task.Phase = phase.String
	task.Group = grp.String
	task.Result = result.String
	task.Reason = reason.String
	task.CreatedAt = timeFromDB(createdAt.String)
	task.StartedAt = timeFromDB(startedAt.String)
	task.FinishedAt = timeFromDB(finishedAt.String)
	return task, nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*graph.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
	`, taskID)

	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	task.DependsOn, err = s.loadDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// ListTasks returns all tasks with their dependencies, in save order. The
// result feeds graph.Restore, which reassigns insertion order from it.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*graph.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*graph.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, task := range tasks {
		task.DependsOn, err = s.loadDependencies(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load dependencies for task %s: %w", task.ID, err)
		}
	}
	return tasks, nil
}

// DeleteTask removes a task row; dependency edges go with it via cascade.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}
