package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/observability"
	"github.com/aristath/taskengine/internal/scheduler"
)

var errWorkerUnavailable = errors.New("worker unavailable")

// cycle is one pass of the coordination loop.
func (e *Engine) cycle(ctx context.Context) {
	now := e.now()
	e.reapLapsed(now)
	e.expireHolds(now)
	e.enforceTaskTimeout(ctx, now)
	e.failOrphans(ctx, now)
	e.propagateFailures(ctx, now)
	e.dispatch(ctx, now)
	e.publishProgress(now)
}

// reapLapsed releases every worker whose heartbeat lapsed. Their tasks are
// failed by failOrphans.
func (e *Engine) reapLapsed(now time.Time) {
	for _, lapse := range e.registry.Lapsed(now) {
		log.Printf("WARNING: worker %q lapsed (no heartbeat for %s)", lapse.WorkerID, e.registry.Timeout())
		e.bus.Publish(events.TopicWorker, events.WorkerLapsedEvent{WorkerID: lapse.WorkerID, Task: lapse.TaskID, Timestamp: now})
		if lapse.TaskID != 0 {
			e.mailbox.Discard(lapse.WorkerID, lapse.TaskID)
		}
	}
}

// expireHolds frees workers whose timed-out attempt never reported back.
func (e *Engine) expireHolds(now time.Time) {
	for _, h := range e.registry.ExpireHolds(now) {
		log.Printf("WARNING: worker %q released without reporting timed-out task %d", h.WorkerID, h.TaskID)
	}
}

// enforceTaskTimeout fails attempts that have run longer than the configured
// limit. A worker that already claimed the attempt stays reserved until it
// reports, lapses, or one heartbeat timeout passes, since the handler may
// still be running there.
func (e *Engine) enforceTaskTimeout(ctx context.Context, now time.Time) {
	if e.cfg.TaskTimeout <= 0 {
		return
	}
	for _, task := range e.store.Snapshot() {
		if task.Status != scheduler.TaskRunning || task.StartedAt == nil || now.Sub(*task.StartedAt) < e.cfg.TaskTimeout {
			continue
		}
		_, err := e.fail(ctx, task.ID, scheduler.Event{
			Kind:     scheduler.EventFail,
			WorkerID: task.WorkerID,
			Attempt:  task.RetryCount,
			Message:  fmt.Sprintf("%v: task exceeded %s", scheduler.ErrWorkerTimeout, e.cfg.TaskTimeout),
			At:       now,
		})
		if errors.Is(err, scheduler.ErrIllegalTransition) {
			// The worker reported in the meantime
			continue
		}
		if err != nil {
			log.Printf("ERROR: failed to time out task %d: %v", task.ID, err)
			continue
		}
		if e.mailbox.Discard(task.WorkerID, task.ID) {
			e.registry.Release(task.WorkerID, task.ID)
			continue
		}
		e.registry.HoldUntil(task.WorkerID, task.ID, now.Add(e.registry.Timeout()))
	}
}

// failOrphans fails running tasks whose worker no longer holds them, after
// a lapse or a failed transition earlier on.
func (e *Engine) failOrphans(ctx context.Context, now time.Time) {
	for _, task := range e.store.Snapshot() {
		if task.Status != scheduler.TaskRunning || e.registry.Holds(task.WorkerID, task.ID) {
			continue
		}
		reason := "no longer holds the task"
		if !e.registry.IsActive(task.WorkerID, now) {
			reason = "stopped heartbeating"
		}
		_, err := e.fail(ctx, task.ID, scheduler.Event{
			Kind:     scheduler.EventFail,
			WorkerID: task.WorkerID,
			Attempt:  task.RetryCount,
			Message:  fmt.Sprintf("%v: worker %s %s", scheduler.ErrWorkerTimeout, task.WorkerID, reason),
			At:       now,
		})
		if err != nil && !errors.Is(err, scheduler.ErrIllegalTransition) {
			log.Printf("ERROR: failed to fail orphaned task %d of worker %q: %v", task.ID, task.WorkerID, err)
		}
	}
}

// propagateFailures permanently fails pending tasks behind a failed dependency.
func (e *Engine) propagateFailures(ctx context.Context, now time.Time) {
	for _, b := range scheduler.NewGraph(e.store.Snapshot()).FailedDependencies() {
		_, err := e.store.Transition(ctx, b.TaskID, scheduler.Event{Kind: scheduler.EventBlock, Message: b.Message(), At: now})
		if err != nil {
			log.Printf("ERROR: failed to block task %d: %v", b.TaskID, err)
			continue
		}
		log.Printf("Task %d %s", b.TaskID, b.Message())
		e.bus.Publish(events.TopicTask, events.TaskBlockedEvent{ID: b.TaskID, Dependency: b.Cause, Timestamp: now})
	}
}

// dispatch pairs ready tasks, in priority order, with available workers.
func (e *Engine) dispatch(ctx context.Context, now time.Time) {
	ready := scheduler.NewGraph(e.store.Snapshot()).Ready(now)
	if len(ready) == 0 {
		return
	}
	workers := e.registry.Available(now)
	if len(workers) == 0 {
		return
	}

	byID := make(map[int64]scheduler.Task, len(ready))
	for _, t := range ready {
		byID[t.ID] = t
	}

	next := 0
	for _, id := range scheduler.Order(ready) {
		for next < len(workers) {
			workerID := workers[next]
			next++
			err := e.assign(ctx, byID[id], workerID, now)
			if errors.Is(err, errWorkerUnavailable) {
				// Lost the worker since Available; same task, next worker
				continue
			}
			if err != nil {
				log.Printf("ERROR: failed to dispatch task %d to worker %q: %v", id, workerID, err)
			}
			break
		}
		if next >= len(workers) {
			return
		}
	}
}

// assign reserves the worker, starts the task and delivers the assignment.
// An assignment that never reached the worker is requeued without counting
// an attempt.
func (e *Engine) assign(ctx context.Context, task scheduler.Task, workerID string, now time.Time) error {
	ctx, span := observability.StartSpan(ctx, "engine.dispatch",
		attribute.Int64("task.id", task.ID),
		attribute.String("worker.id", workerID),
		attribute.Int("attempt", task.RetryCount),
	)
	defer span.End()

	if err := e.registry.Reserve(workerID, task.ID, now); err != nil {
		return fmt.Errorf("%w: %v", errWorkerUnavailable, err)
	}

	started, err := e.store.Transition(ctx, task.ID, scheduler.Event{Kind: scheduler.EventStart, WorkerID: workerID, At: now})
	if err != nil {
		e.registry.Release(workerID, task.ID)
		observability.RecordError(span, err)
		return err
	}

	a := Assignment{
		TaskID:     started.ID,
		WorkerID:   workerID,
		Attempt:    started.RetryCount,
		Type:       started.Type,
		Data:       started.Data,
		Priority:   started.Priority,
		AssignedAt: now,
	}
	if e.cfg.TaskTimeout > 0 {
		deadline := now.Add(e.cfg.TaskTimeout)
		a.Deadline = &deadline
	}
	if err := e.deliver(ctx, a); err != nil {
		observability.RecordError(span, err)
		_, reqErr := e.store.Transition(ctx, task.ID, scheduler.Event{
			Kind:     scheduler.EventRequeue,
			WorkerID: workerID,
			Attempt:  started.RetryCount,
			Message:  fmt.Sprintf("delivery to worker %s failed: %v", workerID, err),
			At:       now,
			ReadyAt:  now.Add(e.retry.Delay(1)),
		})
		// Released even when the requeue failed; failOrphans retries it
		e.registry.Release(workerID, task.ID)
		if reqErr != nil {
			return fmt.Errorf("requeueing undelivered task: %w", reqErr)
		}
		return fmt.Errorf("delivering assignment: %w", err)
	}

	log.Printf("Task %d (%s, %s) assigned to worker %q, attempt %d", a.TaskID, a.Type, a.Priority, workerID, a.Attempt)
	e.bus.Publish(events.TopicTask, events.TaskStartedEvent{ID: a.TaskID, WorkerID: workerID, Attempt: a.Attempt, Timestamp: now})
	return nil
}

// deliver hands the assignment to the transport the worker announced.
func (e *Engine) deliver(ctx context.Context, a Assignment) error {
	name := e.registry.Transport(a.WorkerID)
	if name == "" {
		return e.mailbox.Deliver(ctx, a)
	}
	t, ok := e.transports[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTransport, name)
	}
	return t.Deliver(ctx, a)
}

// publishProgress emits a progress event when task counts or active workers change.
func (e *Engine) publishProgress(now time.Time) {
	counts := e.store.Counts()
	active := 0
	for _, w := range e.registry.Workers(now) {
		if w.Active {
			active++
		}
	}

	p := events.ProgressEvent{
		Pending:       counts[scheduler.TaskPending],
		Running:       counts[scheduler.TaskRunning],
		Completed:     counts[scheduler.TaskCompleted],
		Failed:        counts[scheduler.TaskFailed],
		ActiveWorkers: active,
	}
	p.Total = p.Pending + p.Running + p.Completed + p.Failed

	e.mu.Lock()
	changed := p != e.lastProgress
	e.lastProgress = p
	e.mu.Unlock()

	if changed {
		p.Timestamp = now
		e.bus.Publish(events.TopicProgress, p)
	}
}
