package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helmsman-dev/helmsman/internal/phase"
)

// SaveWorkflowState stores the loop's workflow status together with the
// phase snapshot as a single row, replacing whatever was there.
func (s *SQLiteStore) SaveWorkflowState(ctx context.Context, status string, phases *phase.Snapshot) error {
	var payload []byte
	if phases != nil {
		var err error
		payload, err = json.Marshal(phases)
		if err != nil {
			return fmt.Errorf("failed to marshal phase snapshot: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_state (id, status, phases, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phases = excluded.phases,
			updated_at = excluded.updated_at
	`, status, string(payload), timeToDB(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save workflow state: %w", err)
	}
	return nil
}

// GetWorkflowState loads the stored workflow status and phase snapshot.
// Returns an empty status when nothing was ever saved.
func (s *SQLiteStore) GetWorkflowState(ctx context.Context) (string, *phase.Snapshot, error) {
	var status string
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT status, phases FROM workflow_state WHERE id = 1
	`).Scan(&status, &payload)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to query workflow state: %w", err)
	}

	var snap *phase.Snapshot
	if payload.String != "" {
		snap = &phase.Snapshot{}
		if err := json.Unmarshal([]byte(payload.String), snap); err != nil {
			return "", nil, fmt.Errorf("failed to unmarshal phase snapshot: %w", err)
		}
	}
	return status, snap, nil
}
