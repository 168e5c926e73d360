package scheduler

import (
	"sync"
)

// TaskLocks provides per-task-id mutual exclusion.
// Uses a keyed mutex pattern: each task id gets its own mutex, so transitions
// of different tasks proceed concurrently while transitions of the same task
// are applied one at a time. Entries are reference counted and dropped once
// no goroutine holds or waits on them.
type TaskLocks struct {
	mu    sync.Mutex          // Guards the locks map itself
	locks map[int64]*taskLock // Per-task mutexes
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewTaskLocks creates a new TaskLocks.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{
		locks: make(map[int64]*taskLock),
	}
}

// Lock acquires the mutex for the given task id.
// Creates the mutex on first access if it doesn't exist.
func (l *TaskLocks) Lock(id int64) {
	l.mu.Lock()
	tl, exists := l.locks[id]
	if !exists {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	// Acquire the per-task lock outside the manager lock to avoid contention
	tl.mu.Lock()
}

// Unlock releases the mutex for the given task id.
func (l *TaskLocks) Unlock(id int64) {
	l.mu.Lock()
	tl, exists := l.locks[id]
	if !exists {
		l.mu.Unlock()
		return
	}
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()

	tl.mu.Unlock()
}

// held returns the number of ids with a live entry. Used by tests.
func (l *TaskLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
