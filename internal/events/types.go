package events

import (
	"time"
)

// Event is the base interface for all lifecycle events.
type Event interface {
	EventType() string
	TaskID() int64 // 0 for events not tied to a task
}

// Topic constants
const (
	TopicTask     = "task"
	TopicWorker   = "worker"
	TopicProgress = "progress"
)

// Event type constants
const (
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskBlocked   = "task.blocked"
	EventTypeWorkerJoined  = "worker.joined"
	EventTypeWorkerLapsed  = "worker.lapsed"
	EventTypeProgress      = "engine.progress"
)

// TaskSubmittedEvent is published when a task is admitted.
type TaskSubmittedEvent struct {
	ID           int64
	Type         string
	Priority     string
	Dependencies []int64
	Timestamp    time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() int64     { return e.ID }

// TaskStartedEvent is published when a task is dispatched to a worker.
type TaskStartedEvent struct {
	ID        int64
	WorkerID  string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() int64     { return e.ID }

// TaskCompletedEvent is published when a worker reports success.
type TaskCompletedEvent struct {
	ID        int64
	WorkerID  string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() int64     { return e.ID }

// TaskFailedEvent is published when a task fails permanently.
type TaskFailedEvent struct {
	ID        int64
	WorkerID  string
	Reason    string
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() int64     { return e.ID }

// TaskRetryingEvent is published when a failed attempt is requeued.
type TaskRetryingEvent struct {
	ID        int64
	Reason    string
	Attempt   int // The attempt that will run next
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() int64     { return e.ID }

// TaskBlockedEvent is published when a task fails because a dependency failed.
type TaskBlockedEvent struct {
	ID         int64
	Dependency int64
	Timestamp  time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() int64     { return e.ID }

// WorkerJoinedEvent is published on a worker's first heartbeat, or its first
// heartbeat after a lapse.
type WorkerJoinedEvent struct {
	WorkerID  string
	Timestamp time.Time
}

func (e WorkerJoinedEvent) EventType() string { return EventTypeWorkerJoined }
func (e WorkerJoinedEvent) TaskID() int64     { return 0 }

// WorkerLapsedEvent is published when a worker misses its heartbeat window.
// Task is the orphaned task id, 0 if the worker was idle.
type WorkerLapsedEvent struct {
	WorkerID  string
	Task      int64
	Timestamp time.Time
}

func (e WorkerLapsedEvent) EventType() string { return EventTypeWorkerLapsed }
func (e WorkerLapsedEvent) TaskID() int64     { return e.Task }

// ProgressEvent is published when task counts change.
type ProgressEvent struct {
	Total         int
	Pending       int
	Running       int
	Completed     int
	Failed        int
	ActiveWorkers int
	Timestamp     time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() int64     { return 0 }
