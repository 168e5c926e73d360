package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskengine/internal/scheduler"
)

// CreateTask inserts a newly submitted task, its dependencies and its first
// history entry in one transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, task scheduler.Task, entry scheduler.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(task.Data)
	if err != nil {
		return fmt.Errorf("failed to encode data of task %d: %w", task.ID, err)
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, data, status, priority, retry_count, max_retries, error_message, worker_id, created_at, started_at, completed_at, ready_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, string(task.Type), string(data), string(task.Status), string(task.Priority),
		task.RetryCount, task.MaxRetries, task.ErrorMessage, task.WorkerID,
		formatTime(task.CreatedAt), formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt), formatReadyAt(task.ReadyAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %d: %w", task.ID, err)
	}

	for _, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %d -> %d: %w", task.ID, depID, err)
		}
	}

	if err := insertHistory(ctx, tx, []scheduler.HistoryEntry{entry}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordTransition updates the mutable fields of a task and appends the
// history entries that produced them.
func (s *SQLiteStore) RecordTransition(ctx context.Context, task scheduler.Task, entries []scheduler.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = ?, error_message = ?, worker_id = ?,
			started_at = ?, completed_at = ?, ready_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(task.Status), task.RetryCount, task.ErrorMessage, task.WorkerID,
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt), formatReadyAt(task.ReadyAt), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", scheduler.ErrNotFound, task.ID)
	}

	if err := insertHistory(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return scheduler.Task{}, fmt.Errorf("%w: %d", scheduler.ErrNotFound, id)
	}
	if err != nil {
		return scheduler.Task{}, err
	}

	deps, err := s.dependencies(ctx, `WHERE task_id = ?`, id)
	if err != nil {
		return scheduler.Task{}, err
	}
	task.Dependencies = deps[id]
	if task.Dependencies == nil {
		task.Dependencies = []int64{}
	}
	return task, nil
}

// ListTasks returns all tasks with their dependencies, in ascending id order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	// Dependencies are read after the task cursor is closed; the store
	// runs on a single connection.
	deps, err := s.dependencies(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies = deps[tasks[i].ID]
		if tasks[i].Dependencies == nil {
			tasks[i].Dependencies = []int64{}
		}
	}
	return tasks, nil
}

const taskColumns = `id, type, data, status, priority, retry_count, max_retries, error_message, worker_id, created_at, started_at, completed_at, ready_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (scheduler.Task, error) {
	var (
		task                   scheduler.Task
		taskType, data         string
		status, priority       string
		createdAt              string
		startedAt, completedAt sql.NullString
		readyAt                sql.NullString
	)
	err := row.Scan(&task.ID, &taskType, &data, &status, &priority, &task.RetryCount, &task.MaxRetries,
		&task.ErrorMessage, &task.WorkerID, &createdAt, &startedAt, &completedAt, &readyAt)
	if err == sql.ErrNoRows {
		return scheduler.Task{}, err
	}
	if err != nil {
		return scheduler.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Type = scheduler.TaskType(taskType)
	task.Status = scheduler.TaskStatus(status)
	task.Priority = scheduler.Priority(priority)
	if err := json.Unmarshal([]byte(data), &task.Data); err != nil {
		return scheduler.Task{}, fmt.Errorf("failed to decode data of task %d: %w", task.ID, err)
	}
	if task.Data == nil {
		task.Data = map[string]any{}
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return scheduler.Task{}, err
	}
	if task.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return scheduler.Task{}, err
	}
	if task.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return scheduler.Task{}, err
	}
	ready, err := parseTimePtr(readyAt)
	if err != nil {
		return scheduler.Task{}, err
	}
	if ready != nil {
		task.ReadyAt = *ready
	}
	return task, nil
}

// dependencies loads dependency edges grouped by task id, ascending.
func (s *SQLiteStore) dependencies(ctx context.Context, where string, args ...any) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		`+where+`
		ORDER BY task_id, depends_on_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[int64][]int64)
	for rows.Next() {
		var taskID, depID int64
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}
