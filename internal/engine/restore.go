package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/aristath/taskengine/internal/scheduler"
)

// Loader reads previously persisted engine state.
type Loader interface {
	ListTasks(ctx context.Context) ([]scheduler.Task, error)
	ListHistory(ctx context.Context) (map[int64][]scheduler.HistoryEntry, error)
	ListWorkers(ctx context.Context) ([]scheduler.Worker, error)
}

// Restore loads persisted tasks and workers. It must run before Run and
// before any submission. Tasks that were running when the engine stopped
// have lost their worker and go through the Retry Manager.
func (e *Engine) Restore(ctx context.Context, l Loader) error {
	tasks, err := l.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	history, err := l.ListHistory(ctx)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	workers, err := l.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("loading workers: %w", err)
	}

	if err := e.store.Load(tasks, history); err != nil {
		return err
	}
	e.registry.Restore(workers)

	now := e.now()
	orphaned := 0
	for _, task := range tasks {
		if task.Status != scheduler.TaskRunning {
			continue
		}
		orphaned++
		_, err := e.fail(ctx, task.ID, scheduler.Event{
			Kind:    scheduler.EventFail,
			Attempt: scheduler.AnyAttempt,
			Message: fmt.Sprintf("%v: engine restarted", scheduler.ErrWorkerTimeout),
			At:      now,
		})
		if err != nil {
			return fmt.Errorf("recovering running task %d: %w", task.ID, err)
		}
	}

	log.Printf("Restored %d tasks (%d orphaned) and %d workers", len(tasks), orphaned, len(workers))
	return nil
}
