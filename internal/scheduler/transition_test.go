package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestApplyLifecycle(t *testing.T) {
	tk := Task{ID: 1, Type: TypeSendEmail, Status: TaskPending, Priority: PriorityHigh, MaxRetries: 2, CreatedAt: t0}

	entry, err := Apply(&tk, Event{Kind: EventStart, WorkerID: "w1", At: t0.Add(time.Second)})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if entry.From != TaskPending || entry.To != TaskRunning {
		t.Errorf("unexpected history entry %+v", entry)
	}
	if tk.StartedAt == nil || !tk.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("expected started_at set, got %v", tk.StartedAt)
	}
	if tk.WorkerID != "w1" {
		t.Errorf("expected worker w1, got %q", tk.WorkerID)
	}

	if _, err := Apply(&tk, Event{Kind: EventComplete, WorkerID: "w1", Attempt: 0, At: t0.Add(2 * time.Second)}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if tk.Status != TaskCompleted || tk.CompletedAt == nil {
		t.Errorf("expected completed with completed_at, got %+v", tk)
	}
	if tk.Priority != PriorityHigh || tk.Type != TypeSendEmail || tk.RetryCount != 0 {
		t.Errorf("expected other fields unchanged, got %+v", tk)
	}

	// Double completion is a coordination bug
	_, err = Apply(&tk, Event{Kind: EventComplete, WorkerID: "w1", Attempt: 0, At: t0})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestApplyIllegalTransitions(t *testing.T) {
	running := Task{ID: 1, Status: TaskRunning, WorkerID: "w1", RetryCount: 1, MaxRetries: 3}
	pending := Task{ID: 2, Status: TaskPending, MaxRetries: 3}
	failed := Task{ID: 3, Status: TaskFailed, MaxRetries: 3}

	tests := []struct {
		name string
		task Task
		ev   Event
		want error
	}{
		{"start running task", running, Event{Kind: EventStart, WorkerID: "w2"}, ErrIllegalTransition},
		{"start without worker", pending, Event{Kind: EventStart}, ErrIllegalTransition},
		{"complete pending task", pending, Event{Kind: EventComplete, Attempt: AnyAttempt}, ErrIllegalTransition},
		{"complete from other worker", running, Event{Kind: EventComplete, WorkerID: "w2", Attempt: 1}, ErrIllegalTransition},
		{"stale attempt", running, Event{Kind: EventFail, WorkerID: "w1", Attempt: 0}, ErrIllegalTransition},
		{"retry running task", running, Event{Kind: EventRetry}, ErrIllegalTransition},
		{"block running task", running, Event{Kind: EventBlock}, ErrIllegalTransition},
		{"retry completed task", Task{ID: 4, Status: TaskCompleted, MaxRetries: 3}, Event{Kind: EventRetry}, ErrIllegalTransition},
		{"unknown event", failed, Event{Kind: "explode"}, ErrIllegalTransition},
		{"retry exhausted", Task{ID: 5, Status: TaskFailed, RetryCount: 3, MaxRetries: 3}, Event{Kind: EventRetry}, ErrRetriesExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.task.Clone()
			tk := tt.task
			_, err := Apply(&tk, tt.ev)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tk.Status != before.Status || tk.RetryCount != before.RetryCount || tk.WorkerID != before.WorkerID {
				t.Errorf("task changed on error: before %+v after %+v", before, tk)
			}
		})
	}
}

func TestApplyFailAndRetry(t *testing.T) {
	started := t0.Add(time.Second)
	tk := Task{ID: 1, Status: TaskRunning, WorkerID: "w1", StartedAt: &started, MaxRetries: 1}

	if _, err := Apply(&tk, Event{Kind: EventFail, WorkerID: "w1", Attempt: 0, Message: "smtp down", At: t0}); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if tk.Status != TaskFailed || tk.ErrorMessage != "smtp down" || tk.WorkerID != "" {
		t.Errorf("unexpected failed task %+v", tk)
	}

	readyAt := t0.Add(5 * time.Second)
	if _, err := Apply(&tk, Event{Kind: EventRetry, At: t0, ReadyAt: readyAt}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if tk.Status != TaskPending || tk.RetryCount != 1 {
		t.Errorf("expected pending with retry_count 1, got %+v", tk)
	}
	if tk.StartedAt != nil || tk.CompletedAt != nil {
		t.Error("expected started_at/completed_at cleared on retry")
	}
	if tk.ErrorMessage != "smtp down" {
		t.Errorf("expected error message kept during retry wait, got %q", tk.ErrorMessage)
	}
	if !tk.ReadyAt.Equal(readyAt) {
		t.Errorf("expected ReadyAt %v, got %v", readyAt, tk.ReadyAt)
	}

	// Starting the retry clears the previous error
	if _, err := Apply(&tk, Event{Kind: EventStart, WorkerID: "w2", At: readyAt}); err != nil {
		t.Fatal(err)
	}
	if tk.ErrorMessage != "" {
		t.Errorf("expected error cleared on start, got %q", tk.ErrorMessage)
	}

	// Second failure exhausts retries; retry is a no-op
	if _, err := Apply(&tk, Event{Kind: EventFail, WorkerID: "w2", Attempt: 1, Message: "again", At: readyAt}); err != nil {
		t.Fatal(err)
	}
	if _, err := Apply(&tk, Event{Kind: EventRetry, At: readyAt}); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if tk.Status != TaskFailed || tk.RetryCount != 1 {
		t.Errorf("expected permanently failed at retry_count 1, got %+v", tk)
	}
}

func TestApplyBlock(t *testing.T) {
	tk := Task{ID: 4, Status: TaskPending, Dependencies: []int64{3}, MaxRetries: 3}
	msg := Blockage{TaskID: 4, Cause: 3}.Message()

	if _, err := Apply(&tk, Event{Kind: EventBlock, Message: msg, At: t0}); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if tk.Status != TaskFailed || tk.ErrorMessage != "blocked: dependency 3 failed" {
		t.Errorf("unexpected blocked task %+v", tk)
	}
	if tk.StartedAt != nil {
		t.Error("blocked task must never have started")
	}
}

func TestApplyRequeue(t *testing.T) {
	started := t0.Add(time.Second)
	tk := Task{ID: 2, Status: TaskRunning, WorkerID: "w1", StartedAt: &started, RetryCount: 1, MaxRetries: 3}

	if _, err := Apply(&tk, Event{Kind: EventRequeue, WorkerID: "w2", Attempt: 1, At: t0}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for foreign requeue, got %v", err)
	}

	readyAt := t0.Add(time.Second)
	if _, err := Apply(&tk, Event{Kind: EventRequeue, WorkerID: "w1", Attempt: 1, Message: "broker down", At: t0, ReadyAt: readyAt}); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if tk.Status != TaskPending || tk.RetryCount != 1 || tk.WorkerID != "" || tk.StartedAt != nil {
		t.Errorf("expected pending with retry_count unchanged, got %+v", tk)
	}
	if tk.ErrorMessage != "broker down" || !tk.ReadyAt.Equal(readyAt) {
		t.Errorf("unexpected message %q or ready_at %v", tk.ErrorMessage, tk.ReadyAt)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	for status, want := range map[TaskStatus]bool{
		TaskPending:   false,
		TaskRunning:   false,
		TaskCompleted: true,
		TaskFailed:    true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
