package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/observability"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Config configures the coordination loop.
type Config struct {
	HeartbeatTimeout  time.Duration // Silence after which a worker is inactive (default 10s)
	TickInterval      time.Duration // Maximum wait between cycles (default 250ms)
	TaskTimeout       time.Duration // Running time limit per attempt, 0 disables
	DefaultMaxRetries int           // max_retries when a submission omits it (default 3)
	MaxRetriesLimit   int           // Upper bound accepted for max_retries, 0 means no bound
	Retry             scheduler.RetryPolicy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:  10 * time.Second,
		TickInterval:      250 * time.Millisecond,
		DefaultMaxRetries: 3,
		MaxRetriesLimit:   10,
		Retry:             scheduler.DefaultRetryPolicy(),
	}
}

// ErrUnknownTransport is returned when a worker announces a transport the
// engine was not configured with.
var ErrUnknownTransport = errors.New("unknown transport")

// Transport delivers an assignment to the worker named in it.
type Transport interface {
	Deliver(ctx context.Context, a Assignment) error
}

// WorkerPersister durably records worker heartbeats.
type WorkerPersister interface {
	SaveWorker(ctx context.Context, w scheduler.Worker) error
}

// Options carries the engine's optional collaborators.
type Options struct {
	Bus        *events.EventBus     // Lifecycle events (nil disables)
	Transports map[string]Transport // By the name workers announce; others use the mailbox
	Workers    WorkerPersister      // Heartbeat persistence (nil disables)
	Clock      func() time.Time     // Defaults to time.Now
}

// Assignment is what a worker receives for one attempt of a task.
type Assignment struct {
	TaskID     int64              `json:"task_id"`
	WorkerID   string             `json:"worker_id"`
	Attempt    int                `json:"attempt"` // retry_count at dispatch
	Type       scheduler.TaskType `json:"type"`
	Data       map[string]any     `json:"data"`
	Priority   scheduler.Priority `json:"priority"`
	AssignedAt time.Time          `json:"assigned_at"`
	Deadline   *time.Time         `json:"deadline,omitempty"` // Set when attempts have a time limit
}

// Report is a worker's outcome for one attempt.
type Report struct {
	TaskID       int64                `json:"task_id"`
	WorkerID     string               `json:"worker_id"`
	Attempt      int                  `json:"attempt"`
	Status       scheduler.TaskStatus `json:"status"` // completed or failed
	ErrorMessage string               `json:"error_message,omitempty"`
}

// Submission is a client's task request. A nil MaxRetries takes the
// configured default.
type Submission struct {
	Type         scheduler.TaskType `json:"type"`
	Data         map[string]any     `json:"data"`
	Priority     scheduler.Priority `json:"priority"`
	Dependencies []int64            `json:"dependencies"`
	MaxRetries   *int               `json:"max_retries"`
}

// Engine composes the Task Store, Worker Registry, Retry Manager and
// transports behind a single coordination loop. Submissions, heartbeats
// and reports may arrive concurrently; each wakes the loop.
type Engine struct {
	cfg        Config
	store      *scheduler.Store
	registry   *scheduler.WorkerRegistry
	retry      *scheduler.RetryManager
	mailbox    *Mailbox
	transports map[string]Transport
	workers    WorkerPersister
	bus        *events.EventBus
	now        func() time.Time

	wake chan struct{}

	mu           sync.Mutex // Guards lastProgress
	lastProgress events.ProgressEvent
}

// New creates an engine over store.
func New(cfg Config, store *scheduler.Store, opts Options) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		registry:   scheduler.NewWorkerRegistry(cfg.HeartbeatTimeout),
		retry:      scheduler.NewRetryManager(cfg.Retry),
		mailbox:    NewMailbox(),
		transports: opts.Transports,
		workers:    opts.Workers,
		bus:        opts.Bus,
		now:        clock,
		wake:       make(chan struct{}, 1),
	}
}

// Run drives the coordination loop until ctx is cancelled. Every cycle
// re-evaluates the full ready set.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	log.Printf("Engine started (heartbeat timeout %s, tick %s)", e.cfg.HeartbeatTimeout, e.cfg.TickInterval)
	for {
		e.cycle(ctx)

		select {
		case <-ctx.Done():
			log.Printf("Engine stopped")
			return ctx.Err()
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// Wake schedules an immediate cycle.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Submit validates and admits a task.
func (e *Engine) Submit(ctx context.Context, sub Submission) (scheduler.Task, error) {
	ctx, span := observability.StartSpan(ctx, "engine.submit",
		attribute.String("task.type", string(sub.Type)),
		attribute.String("task.priority", string(sub.Priority)),
	)
	defer span.End()

	maxRetries := e.cfg.DefaultMaxRetries
	if sub.MaxRetries != nil {
		maxRetries = *sub.MaxRetries
	}
	if maxRetries < 0 || (e.cfg.MaxRetriesLimit > 0 && maxRetries > e.cfg.MaxRetriesLimit) {
		err := fmt.Errorf("%w: %d is outside [0, %d]", scheduler.ErrInvalidRetries, maxRetries, e.cfg.MaxRetriesLimit)
		observability.RecordError(span, err)
		return scheduler.Task{}, err
	}

	task, err := e.store.Submit(ctx, scheduler.TaskSpec{
		Type:         sub.Type,
		Data:         sub.Data,
		Priority:     sub.Priority,
		Dependencies: sub.Dependencies,
		MaxRetries:   maxRetries,
	}, e.now())
	if err != nil {
		observability.RecordError(span, err)
		return scheduler.Task{}, err
	}
	span.SetAttributes(attribute.Int64("task.id", task.ID))

	e.bus.Publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:           task.ID,
		Type:         string(task.Type),
		Priority:     string(task.Priority),
		Dependencies: task.Dependencies,
		Timestamp:    task.CreatedAt,
	})
	e.Wake()
	return task, nil
}

// Heartbeat records liveness of a worker served by the mailbox.
func (e *Engine) Heartbeat(ctx context.Context, workerID string) (scheduler.Worker, error) {
	return e.HeartbeatVia(ctx, workerID, "")
}

// HeartbeatVia records worker liveness, registering the worker on first
// contact. transport names how the worker receives assignments; empty means
// the mailbox.
func (e *Engine) HeartbeatVia(ctx context.Context, workerID, transport string) (scheduler.Worker, error) {
	if workerID == "" {
		return scheduler.Worker{}, fmt.Errorf("heartbeat without worker id")
	}
	if _, ok := e.transports[transport]; transport != "" && !ok {
		return scheduler.Worker{}, fmt.Errorf("%w %q", ErrUnknownTransport, transport)
	}
	now := e.now()

	joined := e.registry.Heartbeat(workerID, now)
	e.registry.SetTransport(workerID, transport)
	if joined {
		log.Printf("Worker %q joined", workerID)
		e.bus.Publish(events.TopicWorker, events.WorkerJoinedEvent{WorkerID: workerID, Timestamp: now})
		e.Wake()
	}

	w, _ := e.registry.Worker(workerID, now)
	if e.workers != nil {
		if err := e.workers.SaveWorker(ctx, w); err != nil {
			log.Printf("WARNING: failed to persist heartbeat of worker %q: %v", workerID, err)
		}
	}
	return w, nil
}

// Claim waits for the worker's next assignment until ctx is done.
// Assignments superseded while waiting in the mailbox are skipped.
func (e *Engine) Claim(ctx context.Context, workerID string) (Assignment, error) {
	for {
		a, err := e.mailbox.Claim(ctx, workerID)
		if err != nil {
			return Assignment{}, err
		}
		if e.current(a) {
			return a, nil
		}
		e.releaseStale(a.WorkerID, a.TaskID)
	}
}

// current reports whether a is still the live attempt of its task.
func (e *Engine) current(a Assignment) bool {
	task, err := e.store.Get(a.TaskID)
	return err == nil &&
		task.Status == scheduler.TaskRunning &&
		task.WorkerID == a.WorkerID &&
		task.RetryCount == a.Attempt
}

// Report applies a worker's outcome. Reports from a worker that does not
// hold the task, or for an earlier attempt, fail with ErrIllegalTransition.
func (e *Engine) Report(ctx context.Context, r Report) (scheduler.Task, error) {
	ctx, span := observability.StartSpan(ctx, "engine.report",
		attribute.Int64("task.id", r.TaskID),
		attribute.String("worker.id", r.WorkerID),
		attribute.Int("attempt", r.Attempt),
		attribute.String("status", string(r.Status)),
	)
	defer span.End()

	if r.WorkerID == "" {
		// An anonymous report would bypass the ownership check
		err := fmt.Errorf("%w: report for task %d without worker id", scheduler.ErrIllegalTransition, r.TaskID)
		observability.RecordError(span, err)
		return scheduler.Task{}, err
	}
	now := e.now()
	ev := scheduler.Event{WorkerID: r.WorkerID, Attempt: r.Attempt, Message: r.ErrorMessage, At: now}

	var task scheduler.Task
	var err error
	switch r.Status {
	case scheduler.TaskCompleted:
		ev.Kind = scheduler.EventComplete
		task, err = e.store.Transition(ctx, r.TaskID, ev)
		if err == nil {
			log.Printf("Task %d completed by worker %q", task.ID, r.WorkerID)
			e.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
				ID:        task.ID,
				WorkerID:  r.WorkerID,
				Duration:  runTime(task, now),
				Timestamp: now,
			})
		}
	case scheduler.TaskFailed:
		ev.Kind = scheduler.EventFail
		task, err = e.fail(ctx, r.TaskID, ev)
	default:
		err = fmt.Errorf("%w: report status must be completed or failed, got %q", scheduler.ErrIllegalTransition, r.Status)
	}
	if err != nil {
		log.Printf("WARNING: rejected report from worker %q for task %d: %v", r.WorkerID, r.TaskID, err)
		observability.RecordError(span, err)
		if errors.Is(err, scheduler.ErrIllegalTransition) {
			// The attempt is over either way; the worker is free again
			e.releaseStale(r.WorkerID, r.TaskID)
		}
		return scheduler.Task{}, err
	}

	e.registry.Release(r.WorkerID, r.TaskID)
	e.Wake()
	return task, nil
}

// releaseStale frees a worker still reserved for a task it no longer runs,
// such as an attempt that timed out.
func (e *Engine) releaseStale(workerID string, taskID int64) {
	task, err := e.store.Get(taskID)
	if err == nil && task.Status == scheduler.TaskRunning && task.WorkerID == workerID {
		return
	}
	if e.registry.Release(workerID, taskID) {
		log.Printf("Worker %q released from task %d", workerID, taskID)
		e.Wake()
	}
}

// fail applies a failure and, when the Retry Manager allows it, the requeue
// in the same store transaction.
func (e *Engine) fail(ctx context.Context, id int64, ev scheduler.Event) (scheduler.Task, error) {
	current, err := e.store.Get(id)
	if err != nil {
		return scheduler.Task{}, err
	}

	decision := e.retry.OnFailure(current)
	evs := []scheduler.Event{ev}
	if decision.Requeue {
		evs = append(evs, scheduler.Event{Kind: scheduler.EventRetry, At: ev.At, ReadyAt: ev.At.Add(decision.Delay)})
	}

	task, err := e.store.Transition(ctx, id, evs...)
	if err != nil {
		return scheduler.Task{}, err
	}

	if decision.Requeue {
		log.Printf("Task %d failed (%s), retry %d/%d in %s", id, task.ErrorMessage, task.RetryCount, task.MaxRetries, decision.Delay)
		e.bus.Publish(events.TopicTask, events.TaskRetryingEvent{
			ID:        id,
			Reason:    task.ErrorMessage,
			Attempt:   task.RetryCount,
			Delay:     decision.Delay,
			Timestamp: ev.At,
		})
	} else {
		log.Printf("Task %d failed permanently after %d retries: %s", id, task.RetryCount, task.ErrorMessage)
		e.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        id,
			WorkerID:  current.WorkerID,
			Reason:    task.ErrorMessage,
			Attempt:   task.RetryCount,
			Duration:  runTime(task, ev.At),
			Timestamp: ev.At,
		})
	}
	return task, nil
}

// Get returns a task by id.
func (e *Engine) Get(id int64) (scheduler.Task, error) {
	return e.store.Get(id)
}

// List returns every task, newest first.
func (e *Engine) List() []scheduler.Task {
	return e.store.List()
}

// History returns the lifecycle history of a task.
func (e *Engine) History(id int64) ([]scheduler.HistoryEntry, error) {
	return e.store.History(id)
}

// Workers returns every known worker.
func (e *Engine) Workers() []scheduler.Worker {
	return e.registry.Workers(e.now())
}

// Counts returns the number of tasks per status.
func (e *Engine) Counts() map[scheduler.TaskStatus]int {
	return e.store.Counts()
}

func runTime(t scheduler.Task, now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}
