package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogEntry is one row of the durable event log.
type LogEntry struct {
	Seq       int64
	EventType string
	TaskID    string
	Payload   string
	Timestamp time.Time
}

// AppendEvent appends one event to the durable log. The log is append-only;
// rows are never updated.
func (s *SQLiteStore) AppendEvent(ctx context.Context, eventType, taskID, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (event_type, task_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, eventType, taskID, payload, timeToDB(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent limit events, oldest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, task_id, payload, created_at
		FROM event_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var taskID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.EventType, &taskID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.TaskID = taskID.String
		e.Payload = payload.String
		e.Timestamp = timeFromDB(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
