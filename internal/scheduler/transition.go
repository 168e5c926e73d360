package scheduler

import (
	"fmt"
	"time"
)

// EventKind names a state machine input.
type EventKind string

const (
	EventSubmit   EventKind = "submit"   // (none) -> pending
	EventStart    EventKind = "start"    // pending -> running
	EventComplete EventKind = "complete" // running -> completed
	EventFail     EventKind = "fail"     // running -> failed
	EventRetry    EventKind = "retry"    // failed -> pending
	EventBlock    EventKind = "block"    // pending -> failed (dependency failed)
	EventRequeue  EventKind = "requeue"  // running -> pending, attempt not counted
)

// AnyAttempt disables the attempt check on complete/fail events.
const AnyAttempt = -1

// Event is one input to the task state machine.
type Event struct {
	Kind     EventKind
	WorkerID string    // Worker starting or reporting; empty skips the ownership check
	Attempt  int       // Reporter's attempt, or AnyAttempt
	Message  string    // Error message for fail/block/requeue
	At       time.Time // When the event happened
	ReadyAt  time.Time // Earliest re-dispatch time for retry/requeue
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	TaskID   int64      `json:"task_id"`
	From     TaskStatus `json:"from"`
	To       TaskStatus `json:"to"`
	Event    EventKind  `json:"event"`
	WorkerID string     `json:"worker_id,omitempty"`
	Message  string     `json:"message,omitempty"`
	At       time.Time  `json:"at"`
}

// Apply runs ev against t in place. On error t is left unchanged.
func Apply(t *Task, ev Event) (HistoryEntry, error) {
	from := t.Status
	next := t.Clone()

	switch ev.Kind {
	case EventStart:
		if t.Status != TaskPending {
			return HistoryEntry{}, illegal(t, ev)
		}
		if ev.WorkerID == "" {
			return HistoryEntry{}, fmt.Errorf("%w: start of task %d without a worker", ErrIllegalTransition, t.ID)
		}
		at := ev.At
		next.Status = TaskRunning
		next.StartedAt = &at
		next.CompletedAt = nil
		next.WorkerID = ev.WorkerID
		next.ErrorMessage = ""

	case EventComplete:
		if err := checkOwner(t, ev); err != nil {
			return HistoryEntry{}, err
		}
		at := ev.At
		next.Status = TaskCompleted
		next.CompletedAt = &at
		next.ErrorMessage = ""
		next.WorkerID = ""

	case EventFail:
		if err := checkOwner(t, ev); err != nil {
			return HistoryEntry{}, err
		}
		at := ev.At
		next.Status = TaskFailed
		next.CompletedAt = &at
		next.ErrorMessage = failureMessage(ev.Message)
		next.WorkerID = ""

	case EventRetry:
		if t.Status != TaskFailed {
			return HistoryEntry{}, illegal(t, ev)
		}
		if t.RetryCount >= t.MaxRetries {
			return HistoryEntry{}, fmt.Errorf("%w: task %d used %d of %d retries", ErrRetriesExhausted, t.ID, t.RetryCount, t.MaxRetries)
		}
		next.Status = TaskPending
		next.RetryCount++
		next.StartedAt = nil
		next.CompletedAt = nil
		next.WorkerID = ""
		next.ReadyAt = ev.ReadyAt

	case EventBlock:
		if t.Status != TaskPending {
			return HistoryEntry{}, illegal(t, ev)
		}
		at := ev.At
		next.Status = TaskFailed
		next.CompletedAt = &at
		next.ErrorMessage = failureMessage(ev.Message)

	case EventRequeue:
		// The worker never received the attempt
		if err := checkOwner(t, ev); err != nil {
			return HistoryEntry{}, err
		}
		next.Status = TaskPending
		next.StartedAt = nil
		next.CompletedAt = nil
		next.WorkerID = ""
		next.ErrorMessage = failureMessage(ev.Message)
		next.ReadyAt = ev.ReadyAt

	default:
		return HistoryEntry{}, fmt.Errorf("%w: unknown event %q", ErrIllegalTransition, ev.Kind)
	}

	*t = next
	return HistoryEntry{
		TaskID:   t.ID,
		From:     from,
		To:       t.Status,
		Event:    ev.Kind,
		WorkerID: ev.WorkerID,
		Message:  ev.Message,
		At:       ev.At,
	}, nil
}

// checkOwner verifies a terminal report comes from the worker holding the current attempt.
func checkOwner(t *Task, ev Event) error {
	if t.Status != TaskRunning {
		return illegal(t, ev)
	}
	if ev.WorkerID != "" && ev.WorkerID != t.WorkerID {
		return fmt.Errorf("%w: task %d is held by %q, not %q", ErrIllegalTransition, t.ID, t.WorkerID, ev.WorkerID)
	}
	if ev.Attempt != AnyAttempt && ev.Attempt != t.RetryCount {
		return fmt.Errorf("%w: stale report for task %d attempt %d (current %d)", ErrIllegalTransition, t.ID, ev.Attempt, t.RetryCount)
	}
	return nil
}

func illegal(t *Task, ev Event) error {
	return fmt.Errorf("%w: %s on task %d in state %s", ErrIllegalTransition, ev.Kind, t.ID, t.Status)
}

func failureMessage(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	return msg
}
