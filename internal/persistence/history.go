package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/taskengine/internal/scheduler"
)

// insertHistory appends lifecycle entries. History is append-only.
func insertHistory(ctx context.Context, tx *sql.Tx, entries []scheduler.HistoryEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (task_id, from_status, to_status, event, worker_id, message, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.TaskID, string(e.From), string(e.To), string(e.Event), e.WorkerID, e.Message, formatTime(e.At))
		if err != nil {
			return fmt.Errorf("failed to insert history of task %d: %w", e.TaskID, err)
		}
	}
	return nil
}

// TaskHistory returns one task's lifecycle history, oldest first.
func (s *SQLiteStore) TaskHistory(ctx context.Context, taskID int64) ([]scheduler.HistoryEntry, error) {
	history, err := s.history(ctx, `WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	return history[taskID], nil
}

// ListHistory returns the history of every task, keyed by task id.
func (s *SQLiteStore) ListHistory(ctx context.Context) (map[int64][]scheduler.HistoryEntry, error) {
	return s.history(ctx, "")
}

func (s *SQLiteStore) history(ctx context.Context, where string, args ...any) (map[int64][]scheduler.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, event, worker_id, message, at
		FROM task_history
		`+where+`
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := make(map[int64][]scheduler.HistoryEntry)
	for rows.Next() {
		var e scheduler.HistoryEntry
		var from, to, ev, at string
		if err := rows.Scan(&e.TaskID, &from, &to, &ev, &e.WorkerID, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.From = scheduler.TaskStatus(from)
		e.To = scheduler.TaskStatus(to)
		e.Event = scheduler.EventKind(ev)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		history[e.TaskID] = append(history[e.TaskID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
