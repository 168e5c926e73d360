package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures exponential backoff between retry attempts.
type RetryPolicy struct {
	InitialInterval     time.Duration // Delay before the first retry (default 1s)
	MaxInterval         time.Duration // Upper bound on any single delay (default 1m)
	Multiplier          float64       // Growth factor per attempt (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.2)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// RetryDecision is the Retry Manager's verdict on a failed attempt.
type RetryDecision struct {
	Requeue bool          // false means permanently fail
	Delay   time.Duration // Wait before the task is ready again
}

// RetryManager decides between requeue and permanent failure.
type RetryManager struct {
	policy RetryPolicy
}

// NewRetryManager creates a RetryManager with the given policy.
func NewRetryManager(policy RetryPolicy) *RetryManager {
	return &RetryManager{policy: policy}
}

// OnFailure decides the fate of a task whose current attempt failed.
// The decision is purely retry_count < max_retries.
func (m *RetryManager) OnFailure(t Task) RetryDecision {
	if t.RetryCount >= t.MaxRetries {
		return RetryDecision{}
	}
	return RetryDecision{Requeue: true, Delay: m.Delay(t.RetryCount + 1)}
}

// Delay returns the backoff before the given retry attempt (1-based).
func (m *RetryManager) Delay(attempt int) time.Duration {
	if attempt < 1 || m.policy.InitialInterval <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.InitialInterval
	b.MaxInterval = m.policy.MaxInterval
	b.Multiplier = m.policy.Multiplier
	b.RandomizationFactor = m.policy.RandomizationFactor
	b.MaxElapsedTime = 0 // Never give up; the retry bound is max_retries
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
