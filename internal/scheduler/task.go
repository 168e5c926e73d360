package scheduler

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting for dependencies, a worker, or a retry delay
	TaskRunning   TaskStatus = "running"   // Assigned to exactly one worker
	TaskCompleted TaskStatus = "completed" // Finished successfully
	TaskFailed    TaskStatus = "failed"    // Finished with error, retries exhausted or blocked
)

// Terminal reports whether no further transition can occur from this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Priority orders ready tasks for dispatch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the dispatch rank of the priority. Higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority validates a priority, defaulting empty input to medium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if p.Rank() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}

// TaskType routes a payload to a worker handler. The engine treats it as opaque.
type TaskType string

const (
	TypeSendEmail        TaskType = "send_email"
	TypeProcessVideo     TaskType = "process_video"
	TypeGenerateReport   TaskType = "generate_report"
	TypeDataBackup       TaskType = "data_backup"
	TypeImageProcessing  TaskType = "image_processing"
	TypeSendNotification TaskType = "send_notification"
	TypeRunMLModel       TaskType = "run_ml_model"
	TypeWebhookTrigger   TaskType = "webhook_trigger"
)

// TaskTypes lists every accepted task type.
var TaskTypes = []TaskType{
	TypeSendEmail,
	TypeProcessVideo,
	TypeGenerateReport,
	TypeDataBackup,
	TypeImageProcessing,
	TypeSendNotification,
	TypeRunMLModel,
	TypeWebhookTrigger,
}

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Task is the engine's record of a unit of work.
// JSON field names are the wire contract consumed by the dashboard.
type Task struct {
	ID           int64          `json:"id"`
	Type         TaskType       `json:"type"`
	Data         map[string]any `json:"data"`
	Status       TaskStatus     `json:"status"`
	Priority     Priority       `json:"priority"`
	Dependencies []int64        `json:"dependencies"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorMessage string         `json:"error_message"`       // Empty unless failed or waiting to retry
	WorkerID     string         `json:"worker_id,omitempty"` // Assigned worker while running
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`

	// ReadyAt delays re-entry into the ready set after a retry.
	ReadyAt time.Time `json:"-"`
	// Version counts the history entries applied so far. It orders
	// snapshots of one task.
	Version int `json:"-"`
}

// TaskSpec is the caller-supplied part of a task at submission.
type TaskSpec struct {
	Type         TaskType
	Data         map[string]any
	Priority     Priority
	Dependencies []int64
	MaxRetries   int
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (t Task) Clone() Task {
	cp := t
	cp.Dependencies = append([]int64{}, t.Dependencies...)
	cp.Data = cloneData(t.Data)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}

func cloneData(data map[string]any) map[string]any {
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp
}
