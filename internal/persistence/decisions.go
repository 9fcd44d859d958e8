package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/helmsman-dev/helmsman/internal/decision"
)

// SaveDecision saves or updates one decision record. Slice and map fields
// are stored as JSON columns.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d *decision.Decision) error {
	alternatives, err := json.Marshal(d.Alternatives)
	if err != nil {
		return fmt.Errorf("failed to marshal alternatives: %w", err)
	}
	affected, err := json.Marshal(d.AffectedTasks)
	if err != nil {
		return fmt.Errorf("failed to marshal affected tasks: %w", err)
	}
	original, err := json.Marshal(d.Original)
	if err != nil {
		return fmt.Errorf("failed to marshal original values: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, question, choice, rationale, alternatives,
			affected_tasks, reversible, original, reversed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			choice = excluded.choice,
			rationale = excluded.rationale,
			alternatives = excluded.alternatives,
			affected_tasks = excluded.affected_tasks,
			reversible = excluded.reversible,
			original = excluded.original,
			reversed = excluded.reversed
	`, d.ID, d.Question, d.Choice, d.Rationale, string(alternatives),
		string(affected), d.Reversible, string(original), d.Reversed,
		timeToDB(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert decision: %w", err)
	}
	return nil
}

// ListDecisions returns all decisions in record order.
func (s *SQLiteStore) ListDecisions(ctx context.Context) ([]*decision.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, choice, rationale, alternatives,
			affected_tasks, reversible, original, reversed, created_at
		FROM decisions
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*decision.Decision
	for rows.Next() {
		d := &decision.Decision{}
		var choice, rationale sql.NullString
		var alternatives, affected, original sql.NullString
		var createdAt string

		err := rows.Scan(&d.ID, &d.Question, &choice, &rationale, &alternatives,
			&affected, &d.Reversible, &original, &d.Reversed, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		d.Choice = choice.String
		d.Rationale = rationale.String
		d.CreatedAt = timeFromDB(createdAt)
		if alternatives.String != "" {
			if err := json.Unmarshal([]byte(alternatives.String), &d.Alternatives); err != nil {
				return nil, fmt.Errorf("failed to unmarshal alternatives for %s: %w", d.ID, err)
			}
		}
		if affected.String != "" {
			if err := json.Unmarshal([]byte(affected.String), &d.AffectedTasks); err != nil {
				return nil, fmt.Errorf("failed to unmarshal affected tasks for %s: %w", d.ID, err)
			}
		}
		if original.String != "" {
			if err := json.Unmarshal([]byte(original.String), &d.Original); err != nil {
				return nil, fmt.Errorf("failed to unmarshal original values for %s: %w", d.ID, err)
			}
		}

		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}
