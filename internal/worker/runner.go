package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Coordinator is the engine as seen from a worker. *engine.Engine
// satisfies it in-process and Client satisfies it over HTTP.
type Coordinator interface {
	Heartbeat(ctx context.Context, workerID string) (scheduler.Worker, error)
	Claim(ctx context.Context, workerID string) (engine.Assignment, error)
	Report(ctx context.Context, r engine.Report) (scheduler.Task, error)
}

// RetryConfig configures how reports and claims are retried after
// coordinator errors.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // Give up on a report after this long (0 retries forever)
	Multiplier      float64
}

// DefaultRetryConfig returns sensible defaults for coordinator retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  time.Minute,
		Multiplier:      2.0,
	}
}

// RunnerConfig configures a single worker.
type RunnerConfig struct {
	WorkerID          string
	HeartbeatInterval time.Duration // Default 2s
	Handlers          map[scheduler.TaskType]Handler
	Breakers          *BreakerRegistry // Optional; nil runs handlers unguarded
	Retry             RetryConfig
}

// Runner is one worker: it heartbeats, claims assignments, executes them
// and reports the outcome.
type Runner struct {
	cfg   RunnerConfig
	coord Coordinator
}

// NewRunner creates a worker bound to a coordinator.
func NewRunner(cfg RunnerConfig, coord Coordinator) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Runner{cfg: cfg, coord: coord}
}

// ID returns the worker id.
func (r *Runner) ID() string { return r.cfg.WorkerID }

// Run registers the worker and processes assignments until ctx is done.
// It returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.coord.Heartbeat(ctx, r.cfg.WorkerID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("worker %s: registering: %w", r.cfg.WorkerID, err)
	}
	log.Printf("Worker %s: started", r.cfg.WorkerID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		r.workLoop(gctx)
		return nil
	})
	err := g.Wait()

	log.Printf("Worker %s: stopped", r.cfg.WorkerID)
	return err
}

// heartbeatLoop keeps the worker alive while it executes long tasks.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.coord.Heartbeat(ctx, r.cfg.WorkerID); err != nil && ctx.Err() == nil {
				log.Printf("WARNING: worker %s: heartbeat failed: %v", r.cfg.WorkerID, err)
			}
		}
	}
}

// workLoop claims and executes one assignment at a time.
func (r *Runner) workLoop(ctx context.Context) {
	pause := r.newBackoff(0)

	for ctx.Err() == nil {
		a, err := r.coord.Claim(ctx, r.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scheduler.ErrNoAssignment) {
				pause.Reset()
				continue
			}
			wait := pause.NextBackOff()
			log.Printf("WARNING: worker %s: claim failed, retrying in %s: %v", r.cfg.WorkerID, wait, err)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		pause.Reset()

		r.execute(ctx, a)
	}
}

// execute runs the assignment's handler and reports the outcome.
func (r *Runner) execute(ctx context.Context, a engine.Assignment) {
	start := time.Now()
	hctx := ctx
	if a.Deadline != nil {
		// The engine gives up on the attempt at its deadline
		var cancel context.CancelFunc
		hctx, cancel = context.WithDeadline(ctx, *a.Deadline)
		defer cancel()
	}
	runErr := r.handle(hctx, a)
	if ctx.Err() != nil {
		// The engine will reap the attempt once heartbeats stop
		log.Printf("Worker %s: abandoning task %d on shutdown", r.cfg.WorkerID, a.TaskID)
		return
	}

	report := engine.Report{
		TaskID:   a.TaskID,
		WorkerID: r.cfg.WorkerID,
		Attempt:  a.Attempt,
		Status:   scheduler.TaskCompleted,
	}
	if runErr != nil {
		report.Status = scheduler.TaskFailed
		report.ErrorMessage = runErr.Error()
		log.Printf("Worker %s: task %d failed after %s: %v", r.cfg.WorkerID, a.TaskID, time.Since(start).Round(time.Millisecond), runErr)
	} else {
		log.Printf("Worker %s: task %d completed in %s", r.cfg.WorkerID, a.TaskID, time.Since(start).Round(time.Millisecond))
	}

	if err := r.report(ctx, report); err != nil && ctx.Err() == nil {
		log.Printf("ERROR: worker %s: reporting task %d: %v", r.cfg.WorkerID, a.TaskID, err)
	}
}

func (r *Runner) handle(ctx context.Context, a engine.Assignment) error {
	h, ok := r.cfg.Handlers[a.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", scheduler.ErrUnknownType, a.Type)
	}
	if r.cfg.Breakers == nil {
		return h.Handle(ctx, a)
	}
	return r.cfg.Breakers.Execute(a.Type, func() error {
		return h.Handle(ctx, a)
	})
}

// report delivers an outcome, retrying transient coordinator errors.
// Rejections are final: the attempt was superseded or the task is gone.
func (r *Runner) report(ctx context.Context, rep engine.Report) error {
	operation := func() error {
		_, err := r.coord.Report(ctx, rep)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, scheduler.ErrIllegalTransition) || errors.Is(err, scheduler.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(r.newBackoff(r.cfg.Retry.MaxElapsedTime), ctx))
	if errors.Is(err, scheduler.ErrIllegalTransition) {
		log.Printf("WARNING: worker %s: report for task %d rejected: %v", r.cfg.WorkerID, rep.TaskID, err)
		return nil
	}
	return err
}

func (r *Runner) newBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Retry.InitialInterval
	b.MaxInterval = r.cfg.Retry.MaxInterval
	b.Multiplier = r.cfg.Retry.Multiplier
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
