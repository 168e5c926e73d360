package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Persister durably records task state so the Store survives restarts.
// A change the Persister rejects is not applied in memory either.
type Persister interface {
	CreateTask(ctx context.Context, task Task, entry HistoryEntry) error
	RecordTransition(ctx context.Context, task Task, entries []HistoryEntry) error
}

// Store owns every task record and its lifecycle history.
// Transitions on one id are serialized by a per-id lock. Readers always
// observe whole records and never wait on transitions of other tasks.
type Store struct {
	mu      sync.RWMutex
	tasks   map[int64]*Task
	history map[int64][]HistoryEntry
	nextID  int64

	admitMu   sync.Mutex // Serializes validation and id assignment on submit
	locks     *TaskLocks
	persister Persister
	hooks     []CommitHook
}

// CommitHook observes every committed version of a task. Hooks for one task
// run in commit order, under that task's lock.
type CommitHook func(ctx context.Context, task Task)

// NewStore creates an empty store. persister may be nil for memory-only operation.
func NewStore(persister Persister) *Store {
	return &Store{
		tasks:     make(map[int64]*Task),
		history:   make(map[int64][]HistoryEntry),
		nextID:    1,
		locks:     NewTaskLocks(),
		persister: persister,
	}
}

// Submit validates and admits a new pending task, returning it with its id.
// Rejected submissions leave the store unchanged.
func (s *Store) Submit(ctx context.Context, spec TaskSpec, now time.Time) (Task, error) {
	if !spec.Type.Valid() {
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}
	priority, err := ParsePriority(string(spec.Priority))
	if err != nil {
		return Task{}, err
	}
	if spec.MaxRetries < 0 {
		return Task{}, fmt.Errorf("%w: %d", ErrInvalidRetries, spec.MaxRetries)
	}
	deps := normalizeDependencies(spec.Dependencies)

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if err := NewGraph(s.Snapshot()).CheckSubmission(deps); err != nil {
		return Task{}, err
	}

	s.mu.RLock()
	id := s.nextID
	s.mu.RUnlock()

	data := spec.Data
	if data == nil {
		data = map[string]any{}
	}
	task := Task{
		ID:           id,
		Type:         spec.Type,
		Data:         cloneData(data),
		Status:       TaskPending,
		Priority:     priority,
		Dependencies: deps,
		MaxRetries:   spec.MaxRetries,
		CreatedAt:    now,
		Version:      1,
	}
	entry := HistoryEntry{TaskID: id, To: TaskPending, Event: EventSubmit, At: now}

	if s.persister != nil {
		if err := s.persister.CreateTask(ctx, task, entry); err != nil {
			return Task{}, fmt.Errorf("persisting task: %w", err)
		}
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.Lock()
	s.tasks[id] = &task
	s.history[id] = []HistoryEntry{entry}
	s.nextID = id + 1
	s.mu.Unlock()

	s.notify(ctx, task)
	return task.Clone(), nil
}

// Transition applies events to one task atomically: either every event is
// applied or the task is left unchanged.
func (s *Store) Transition(ctx context.Context, id int64, events ...Event) (Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.RLock()
	current, exists := s.tasks[id]
	var next Task
	if exists {
		next = current.Clone()
	}
	s.mu.RUnlock()
	if !exists {
		return Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	entries := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		entry, err := Apply(&next, ev)
		if err != nil {
			return Task{}, err
		}
		entries = append(entries, entry)
	}

	next.Version += len(entries)

	if s.persister != nil {
		if err := s.persister.RecordTransition(ctx, next, entries); err != nil {
			return Task{}, fmt.Errorf("persisting transition of task %d: %w", id, err)
		}
	}

	s.mu.Lock()
	s.tasks[id] = &next
	s.history[id] = append(s.history[id], entries...)
	s.mu.Unlock()

	s.notify(ctx, next)
	return next.Clone(), nil
}

// Get returns a task by id.
func (s *Store) Get(id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return task.Clone(), nil
}

// List returns all tasks, newest first.
func (s *Store) List() []Task {
	tasks := s.Snapshot()
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks
}

// Snapshot returns all tasks in ascending id order.
func (s *Store) Snapshot() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// History returns every transition applied to a task, oldest first.
func (s *Store) History(id int64) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tasks[id]; !exists {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return append([]HistoryEntry{}, s.history[id]...), nil
}

// Load replaces the store contents with previously persisted tasks.
// It is meant for startup, before any submission.
func (s *Store) Load(tasks []Task, history map[int64][]HistoryEntry) error {
	if _, err := NewGraph(tasks).Validate(); err != nil {
		return fmt.Errorf("loaded tasks are inconsistent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[int64]*Task, len(tasks))
	s.history = make(map[int64][]HistoryEntry, len(tasks))
	s.nextID = 1
	for _, t := range tasks {
		task := t.Clone()
		task.Version = max(1, len(history[task.ID]))
		s.tasks[task.ID] = &task
		s.history[task.ID] = append([]HistoryEntry{}, history[task.ID]...)
		if task.ID >= s.nextID {
			s.nextID = task.ID + 1
		}
	}
	return nil
}

// OnCommit registers a hook. Register hooks before the store is shared.
func (s *Store) OnCommit(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Store) notify(ctx context.Context, task Task) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, task.Clone())
	}
}

// Counts returns the number of tasks in each status.
func (s *Store) Counts() map[TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[TaskStatus]int, 4)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

// normalizeDependencies sorts and de-duplicates dependency ids.
func normalizeDependencies(deps []int64) []int64 {
	out := make([]int64, 0, len(deps))
	seen := make(map[int64]bool, len(deps))
	for _, id := range deps {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
