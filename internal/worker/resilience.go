package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/taskengine/internal/scheduler"
)

// BreakerConfig configures the per-task-type circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip after this many failures in a row (default 5)
	OpenTimeout         time.Duration // Stay open this long before a trial (default 30s)
}

// BreakerRegistry manages one circuit breaker per task type, so a failing
// downstream (an SMTP server, a webhook) fails fast instead of tying up
// workers.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[scheduler.TaskType]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[scheduler.TaskType]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the task type, creating it on first use.
func (r *BreakerRegistry) Get(taskType scheduler.TaskType) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(taskType),
		MaxRequests: 1, // One trial attempt in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Shutdown is not a handler failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// Execute runs fn through the task type's breaker. An open breaker fails
// the attempt without running fn.
func (r *BreakerRegistry) Execute(taskType scheduler.TaskType, fn func() error) error {
	_, err := r.Get(taskType).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state for a task type.
func (r *BreakerRegistry) State(taskType scheduler.TaskType) gobreaker.State {
	return r.Get(taskType).State()
}
