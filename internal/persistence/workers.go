package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/taskengine/internal/scheduler"
)

// SaveWorker records a worker heartbeat. Uses ON CONFLICT so repeated
// heartbeats only move last_seen forward.
func (s *SQLiteStore) SaveWorker(ctx context.Context, w scheduler.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, last_seen)
		VALUES (?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen)
	`, w.WorkerID, formatTime(w.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to save worker %q: %w", w.WorkerID, err)
	}
	return nil
}

// ListWorkers returns every worker ever seen, sorted by id.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]scheduler.Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, last_seen
		FROM workers
		ORDER BY worker_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []scheduler.Worker
	for rows.Next() {
		var w scheduler.Worker
		var lastSeen string
		if err := rows.Scan(&w.WorkerID, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		if w.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}
