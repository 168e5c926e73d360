package scheduler

import "errors"

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnknownType       = errors.New("unknown task type")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidRetries    = errors.New("invalid max_retries")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrWorkerTimeout     = errors.New("worker timeout")
	ErrNoAssignment      = errors.New("no assignment")
)
