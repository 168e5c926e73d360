package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Worker is a snapshot of one registry entry.
type Worker struct {
	WorkerID string    `json:"worker_id"`
	LastSeen time.Time `json:"last_seen"`
	Active    bool      `json:"active"`
	TaskID    int64     `json:"task_id,omitempty"`   // In-flight task, 0 when idle
	Transport string    `json:"transport,omitempty"` // How assignments reach it, empty for the mailbox
}

// Lapse reports a worker whose heartbeat stopped. TaskID is the task it held, if any.
type Lapse struct {
	WorkerID string
	TaskID   int64
}

type workerEntry struct {
	id           string
	lastSeen     time.Time
	lastAssigned time.Time
	taskID       int64
	releaseAt    time.Time // Set while a timed-out attempt still holds the worker
	transport    string
	lapsed       bool // Lapse already reported for the current silence
}

func (w *workerEntry) snapshot(active bool) Worker {
	return Worker{WorkerID: w.id, LastSeen: w.lastSeen, Active: active, TaskID: w.taskID, Transport: w.transport}
}

// WorkerRegistry tracks worker liveness and assignment. Liveness is derived
// from the last heartbeat; entries are never deleted.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*workerEntry
	timeout time.Duration
}

// NewWorkerRegistry creates a registry with the given heartbeat timeout.
func NewWorkerRegistry(timeout time.Duration) *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*workerEntry),
		timeout: timeout,
	}
}

// Timeout returns the heartbeat timeout.
func (r *WorkerRegistry) Timeout() time.Duration {
	return r.timeout
}

// Heartbeat records liveness for a worker. Older timestamps never move
// last_seen backwards. Returns true when the worker is new or rejoining
// after a lapse.
func (r *WorkerRegistry) Heartbeat(workerID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[workerID]
	if !exists {
		r.workers[workerID] = &workerEntry{id: workerID, lastSeen: at}
		return true
	}

	rejoined := !r.activeAt(w, at)
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}
	if !r.activeAt(w, at) {
		return false
	}
	w.lapsed = false
	return rejoined
}

func (r *WorkerRegistry) activeAt(w *workerEntry, now time.Time) bool {
	return now.Sub(w.lastSeen) < r.timeout
}

// IsActive reports whether the worker has heartbeated within the timeout.
func (r *WorkerRegistry) IsActive(workerID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[workerID]
	return exists && r.activeAt(w, now)
}

// Available returns active workers with no in-flight task, least recently
// assigned first so work spreads across the pool.
func (r *WorkerRegistry) Available(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*workerEntry
	for _, w := range r.workers {
		if w.taskID == 0 && r.activeAt(w, now) {
			idle = append(idle, w)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].lastAssigned.Equal(idle[j].lastAssigned) {
			return idle[i].lastAssigned.Before(idle[j].lastAssigned)
		}
		return idle[i].id < idle[j].id
	})

	ids := make([]string, len(idle))
	for i, w := range idle {
		ids[i] = w.id
	}
	return ids
}

// Reserve marks the worker as holding taskID. Fails if the worker is not
// active or already holds a task.
func (r *WorkerRegistry) Reserve(workerID string, taskID int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[workerID]
	if !exists {
		return fmt.Errorf("worker %q not registered", workerID)
	}
	if !r.activeAt(w, now) {
		return fmt.Errorf("worker %q is not active", workerID)
	}
	if w.taskID != 0 {
		return fmt.Errorf("worker %q already holds task %d", workerID, w.taskID)
	}
	w.taskID = taskID
	w.releaseAt = time.Time{}
	w.lastAssigned = now
	w.lapsed = false
	return nil
}

// Release frees the worker if it still holds taskID.
func (r *WorkerRegistry) Release(workerID string, taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[workerID]
	if !exists || w.taskID != taskID {
		return false
	}
	w.taskID = 0
	w.releaseAt = time.Time{}
	return true
}

// Holds reports whether the worker currently holds taskID.
func (r *WorkerRegistry) Holds(workerID string, taskID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[workerID]
	return exists && w.taskID == taskID
}

// HoldUntil keeps the worker reserved for taskID after the engine gave up on
// the attempt, so it gets no new work while the old one may still run. The
// hold ends on Release, on a lapse, or at until.
func (r *WorkerRegistry) HoldUntil(workerID string, taskID int64, until time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[workerID]
	if !exists || w.taskID != taskID {
		return false
	}
	w.releaseAt = until
	return true
}

// ExpireHolds releases holds whose deadline has passed.
func (r *WorkerRegistry) ExpireHolds(now time.Time) []Lapse {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Lapse
	for _, w := range r.workers {
		if w.taskID == 0 || w.releaseAt.IsZero() || now.Before(w.releaseAt) {
			continue
		}
		expired = append(expired, Lapse{WorkerID: w.id, TaskID: w.taskID})
		w.taskID = 0
		w.releaseAt = time.Time{}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].WorkerID < expired[j].WorkerID })
	return expired
}

// SetTransport records how assignments reach the worker.
func (r *WorkerRegistry) SetTransport(workerID, transport string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, exists := r.workers[workerID]; exists {
		w.transport = transport
	}
}

// Transport returns the worker's transport name, empty for the mailbox.
func (r *WorkerRegistry) Transport(workerID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, exists := r.workers[workerID]; exists {
		return w.transport
	}
	return ""
}

// Lapsed returns workers whose heartbeat has lapsed since the last call.
// Any task they held is released here and must be failed by the caller.
func (r *WorkerRegistry) Lapsed(now time.Time) []Lapse {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lapses []Lapse
	for _, w := range r.workers {
		if w.lapsed || r.activeAt(w, now) {
			continue
		}
		w.lapsed = true
		lapses = append(lapses, Lapse{WorkerID: w.id, TaskID: w.taskID})
		w.taskID = 0
		w.releaseAt = time.Time{}
	}
	sort.Slice(lapses, func(i, j int) bool { return lapses[i].WorkerID < lapses[j].WorkerID })
	return lapses
}

// Workers returns a snapshot of all known workers sorted by id.
func (r *WorkerRegistry) Workers(now time.Time) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.snapshot(r.activeAt(w, now)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Worker returns one worker's snapshot.
func (r *WorkerRegistry) Worker(workerID string, now time.Time) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[workerID]
	if !exists {
		return Worker{}, false
	}
	return w.snapshot(r.activeAt(w, now)), true
}

// Restore loads previously persisted workers. Restored workers hold no task
// and count as already lapsed until they heartbeat again.
func (r *WorkerRegistry) Restore(workers []Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range workers {
		if existing, ok := r.workers[w.WorkerID]; ok && !w.LastSeen.After(existing.lastSeen) {
			continue
		}
		r.workers[w.WorkerID] = &workerEntry{id: w.WorkerID, lastSeen: w.LastSeen, transport: w.Transport, lapsed: true}
	}
}
