package scheduler

import (
	"fmt"
	"time"
)

// Blockage names a pending task that can never run because a dependency failed.
type Blockage struct {
	TaskID int64
	Cause  int64 // The failed direct dependency
}

// Message is the error recorded on the blocked task.
func (b Blockage) Message() string {
	return fmt.Sprintf("blocked: dependency %d failed", b.Cause)
}

// Ready returns pending tasks whose dependencies are all completed and whose
// retry delay, if any, has elapsed at now. Result is in ascending id order.
func (g *Graph) Ready(now time.Time) []Task {
	ready := []Task{}
	for _, id := range g.ids {
		task := g.tasks[id]
		if task.Status != TaskPending {
			continue
		}
		if !task.ReadyAt.IsZero() && task.ReadyAt.After(now) {
			continue
		}
		if g.dependenciesCompleted(task) {
			ready = append(ready, task.Clone())
		}
	}
	return ready
}

// Blocked reports whether a pending task is waiting on at least one unfinished dependency.
func (g *Graph) Blocked(id int64) bool {
	task, ok := g.tasks[id]
	if !ok || task.Status != TaskPending {
		return false
	}
	return !g.dependenciesCompleted(task)
}

func (g *Graph) dependenciesCompleted(task Task) bool {
	for _, depID := range task.Dependencies {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// FailedDependencies returns every pending task that has a permanently failed
// dependency, including tasks that become blocked because an earlier entry in
// the result is blocked. Dependencies always reference earlier ids, so one
// pass in ascending id order reaches the whole transitive closure.
func (g *Graph) FailedDependencies() []Blockage {
	failed := make(map[int64]bool)
	for id, task := range g.tasks {
		if task.Status == TaskFailed {
			failed[id] = true
		}
	}

	var blocked []Blockage
	for _, id := range g.ids {
		task := g.tasks[id]
		if task.Status != TaskPending {
			continue
		}
		for _, depID := range task.Dependencies {
			if failed[depID] {
				blocked = append(blocked, Blockage{TaskID: id, Cause: depID})
				failed[id] = true
				break
			}
		}
	}
	return blocked
}
