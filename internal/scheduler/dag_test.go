package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func task(id int64, status TaskStatus, deps ...int64) Task {
	return Task{
		ID:           id,
		Type:         TypeSendEmail,
		Status:       status,
		Priority:     PriorityMedium,
		Dependencies: deps,
		CreatedAt:    t0.Add(time.Duration(id) * time.Second),
	}
}

// TestGraphCheckSubmission tests submit-time validation with various graph structures.
func TestGraphCheckSubmission(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []Task
		deps        []int64
		wantErr     bool
		errContains string
	}{
		{
			name:  "no dependencies",
			tasks: nil,
			deps:  nil,
		},
		{
			name:  "linear chain",
			tasks: []Task{task(1, TaskPending), task(2, TaskPending, 1)},
			deps:  []int64{2},
		},
		{
			name:  "diamond",
			tasks: []Task{task(1, TaskPending), task(2, TaskPending, 1), task(3, TaskPending, 1)},
			deps:  []int64{2, 3},
		},
		{
			name:  "terminal dependency",
			tasks: []Task{task(1, TaskCompleted), task(2, TaskFailed)},
			deps:  []int64{1, 2},
		},
		{
			name:        "missing dependency",
			tasks:       []Task{task(1, TaskPending)},
			deps:        []int64{99},
			wantErr:     true,
			errContains: "99",
		},
		{
			name:        "existing cycle among active tasks",
			tasks:       []Task{task(1, TaskPending, 2), task(2, TaskPending, 1)},
			deps:        []int64{1},
			wantErr:     true,
			errContains: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewGraph(tt.tasks).CheckSubmission(tt.deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckSubmission() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalidDependency) {
				t.Errorf("expected ErrInvalidDependency, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
			}
		})
	}
}

func TestGraphValidateOrder(t *testing.T) {
	g := NewGraph([]Task{
		task(1, TaskPending),
		task(2, TaskPending),
		task(3, TaskPending, 1, 2),
		task(4, TaskCompleted),
	})

	order, err := g.Validate()
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 active tasks in order, got %v", order)
	}
	pos := make(map[int64]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos[3] < pos[1] || pos[3] < pos[2] {
		t.Errorf("expected 1 and 2 before 3, got %v", order)
	}
}

func TestGraphValidateDanglingReference(t *testing.T) {
	_, err := NewGraph([]Task{task(2, TaskPending, 1)}).Validate()
	if !errors.Is(err, ErrInvalidDependency) {
		t.Fatalf("expected ErrInvalidDependency, got %v", err)
	}
}

func TestGraphDependents(t *testing.T) {
	g := NewGraph([]Task{
		task(1, TaskPending),
		task(2, TaskPending, 1),
		task(3, TaskPending, 2),
		task(4, TaskPending, 1, 3),
		task(5, TaskPending),
	})

	got := g.Dependents(1)
	want := []int64{2, 3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dependents(1) = %v, want %v", got, want)
	}
	if deps := g.Dependents(5); len(deps) != 0 {
		t.Errorf("expected no dependents of 5, got %v", deps)
	}
}

func TestGraphReady(t *testing.T) {
	retrying := task(6, TaskPending)
	retrying.ReadyAt = t0.Add(time.Minute)

	g := NewGraph([]Task{
		task(1, TaskCompleted),
		task(2, TaskPending, 1),
		task(3, TaskPending, 1, 4),
		task(4, TaskRunning),
		task(5, TaskPending),
		retrying,
	})

	ids := func(tasks []Task) []int64 {
		out := []int64{}
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}

	if got := ids(g.Ready(t0)); !reflect.DeepEqual(got, []int64{2, 5}) {
		t.Errorf("Ready(t0) = %v, want [2 5]", got)
	}
	if got := ids(g.Ready(t0.Add(2 * time.Minute))); !reflect.DeepEqual(got, []int64{2, 5, 6}) {
		t.Errorf("Ready after delay = %v, want [2 5 6]", got)
	}
	if !g.Blocked(3) {
		t.Error("expected task 3 to be blocked on running task 4")
	}
	if g.Blocked(2) {
		t.Error("expected task 2 not to be blocked")
	}
}

func TestGraphFailedDependencies(t *testing.T) {
	g := NewGraph([]Task{
		task(1, TaskFailed),
		task(2, TaskPending, 1),
		task(3, TaskPending, 2),
		task(4, TaskPending),
		task(5, TaskPending, 4, 3),
		task(6, TaskCompleted),
	})

	got := g.FailedDependencies()
	want := []Blockage{{TaskID: 2, Cause: 1}, {TaskID: 3, Cause: 2}, {TaskID: 5, Cause: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FailedDependencies() = %v, want %v", got, want)
	}
	if msg := got[0].Message(); msg != "blocked: dependency 1 failed" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name  string
		tasks []Task
		want  []int64
	}{
		{
			name: "priority then arrival",
			tasks: []Task{
				{ID: 1, Priority: PriorityHigh, CreatedAt: t0.Add(1 * time.Second)},   // A(high, t=1)
				{ID: 2, Priority: PriorityMedium, CreatedAt: t0},                      // B(medium, t=0)
				{ID: 3, Priority: PriorityHigh, CreatedAt: t0},                        // C(high, t=0)
			},
			want: []int64{3, 1, 2},
		},
		{
			name: "fifo within band",
			tasks: []Task{
				{ID: 3, Priority: PriorityLow, CreatedAt: t0.Add(2 * time.Second)},
				{ID: 1, Priority: PriorityLow, CreatedAt: t0},
				{ID: 2, Priority: PriorityLow, CreatedAt: t0.Add(1 * time.Second)},
			},
			want: []int64{1, 2, 3},
		},
		{
			name: "id breaks timestamp ties",
			tasks: []Task{
				{ID: 9, Priority: PriorityMedium, CreatedAt: t0},
				{ID: 4, Priority: PriorityMedium, CreatedAt: t0},
			},
			want: []int64{4, 9},
		},
		{
			name:  "empty",
			tasks: nil,
			want:  []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Order(tt.tasks); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Order() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != PriorityMedium {
		t.Errorf("expected default medium, got %q, %v", p, err)
	}
	if p, err := ParsePriority("high"); err != nil || p != PriorityHigh {
		t.Errorf("expected high, got %q, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected ErrInvalidPriority, got %v", err)
	}
}
