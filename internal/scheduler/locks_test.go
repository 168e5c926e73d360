package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTaskLocks_BasicLockUnlock verifies basic lock/unlock operations.
func TestTaskLocks_BasicLockUnlock(t *testing.T) {
	locks := NewTaskLocks()

	locks.Lock(1)
	locks.Unlock(1)

	// Should be able to lock again after unlock
	locks.Lock(1)
	locks.Unlock(1)

	if n := locks.held(); n != 0 {
		t.Errorf("expected no live entries after unlock, got %d", n)
	}
}

// TestTaskLocks_SameTaskBlocks verifies that locking the same id blocks concurrent access.
func TestTaskLocks_SameTaskBlocks(t *testing.T) {
	locks := NewTaskLocks()
	orderChan := make(chan int, 2)

	go func() {
		locks.Lock(7)
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock(7)
	}()

	// Give goroutine A time to acquire the lock
	time.Sleep(10 * time.Millisecond)

	go func() {
		locks.Lock(7)
		orderChan <- 2
		locks.Unlock(7)
	}()

	first := <-orderChan
	second := <-orderChan

	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestTaskLocks_DifferentTasksConcurrent verifies that different ids don't block each other.
func TestTaskLocks_DifferentTasksConcurrent(t *testing.T) {
	locks := NewTaskLocks()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		locks.Lock(1)
		aLocked.Store(true)
		time.Sleep(20 * time.Millisecond)
		locks.Unlock(1)
	}()
	go func() {
		defer wg.Done()
		locks.Lock(2)
		bLocked.Store(true)
		time.Sleep(20 * time.Millisecond)
		locks.Unlock(2)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locks on different ids blocked each other")
	}

	if !aLocked.Load() || !bLocked.Load() {
		t.Error("expected both goroutines to acquire their locks")
	}
}

// TestTaskLocks_ContendedCounter verifies mutual exclusion under contention.
func TestTaskLocks_ContendedCounter(t *testing.T) {
	locks := NewTaskLocks()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock(42)
			counter++
			locks.Unlock(42)
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected counter 50, got %d", counter)
	}
	if n := locks.held(); n != 0 {
		t.Errorf("expected entries to be released, got %d", n)
	}
}

// TestTaskLocks_UnlockUnknown verifies unlocking an id never locked is a no-op.
func TestTaskLocks_UnlockUnknown(t *testing.T) {
	locks := NewTaskLocks()
	locks.Unlock(99)
}
