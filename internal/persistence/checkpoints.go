package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/helmsman-dev/helmsman/internal/checkpoint"
)

// SaveCheckpoint writes a checkpoint's index row and full JSON payload.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, trigger_type, created_at, workers, restorable, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			restorable = excluded.restorable,
			payload = excluded.payload
	`, cp.ID, cp.Trigger, timeToDB(cp.CreatedAt), len(cp.WorkerTokens),
		cp.Restorable, string(payload))
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint payload by ID.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE id = ?
	`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	cp := &checkpoint.Checkpoint{}
	if err := json.Unmarshal([]byte(payload), cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// ListCheckpoints returns index entries ordered by creation time.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]checkpoint.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_type, created_at, workers, restorable
		FROM checkpoints
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var entries []checkpoint.Entry
	for rows.Next() {
		var e checkpoint.Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Trigger, &createdAt, &e.Workers, &e.Restorable); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint entry: %w", err)
		}
		e.CreatedAt = timeFromDB(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return entries, nil
}

// MarkCheckpointNotRestorable flips the restorable flag on the index row and
// inside the stored payload.
func (s *SQLiteStore) MarkCheckpointNotRestorable(ctx context.Context, id string) error {
	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	cp.Restorable = false
	return s.SaveCheckpoint(ctx, cp)
}
