package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/taskengine/internal/scheduler"
)

// Mailbox is the in-process transport: one single-slot box per worker.
// A worker holds at most one task, so a newer assignment replaces any
// unclaimed older one.
type Mailbox struct {
	mu    sync.Mutex
	boxes map[string]chan Assignment
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{boxes: make(map[string]chan Assignment)}
}

func (m *Mailbox) box(workerID string) chan Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.boxes[workerID]
	if !ok {
		ch = make(chan Assignment, 1)
		m.boxes[workerID] = ch
	}
	return ch
}

// Deliver places an assignment in the worker's box.
func (m *Mailbox) Deliver(ctx context.Context, a Assignment) error {
	ch := m.box(a.WorkerID)

	// Drop a stale assignment the worker never claimed
	select {
	case <-ch:
	default:
	}

	select {
	case ch <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Claim waits for the worker's next assignment. It returns ErrNoAssignment
// once ctx is done.
func (m *Mailbox) Claim(ctx context.Context, workerID string) (Assignment, error) {
	ch := m.box(workerID)

	select {
	case a := <-ch:
		return a, nil
	case <-ctx.Done():
		return Assignment{}, fmt.Errorf("%w for worker %q: %v", scheduler.ErrNoAssignment, workerID, ctx.Err())
	}
}

// Discard removes an unclaimed assignment for taskID. It reports whether
// one was removed.
func (m *Mailbox) Discard(workerID string, taskID int64) bool {
	ch := m.box(workerID)

	select {
	case a := <-ch:
		if a.TaskID == taskID {
			return true
		}
		// Not ours; put it back
		select {
		case ch <- a:
		default:
		}
	default:
	}
	return false
}
