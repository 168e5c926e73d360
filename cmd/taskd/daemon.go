package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskengine/internal/api"
	"github.com/aristath/taskengine/internal/cache"
	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/persistence"
	"github.com/aristath/taskengine/internal/scheduler"
	"github.com/aristath/taskengine/internal/transport"
	"github.com/aristath/taskengine/internal/worker"
)

// cacheWriteTimeout bounds each write-through so a slow Redis cannot stall
// the engine loop.
const cacheWriteTimeout = 250 * time.Millisecond

// daemon is every long-running part of taskd, wired from one config.
type daemon struct {
	bus    *events.EventBus
	engine *engine.Engine
	server *api.Server
	pool   *worker.Pool     // nil without local workers
	cache  *cache.TaskCache // nil without redis

	closers []func() error
}

// engineConfig maps the file config onto the engine's.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		HeartbeatTimeout:  cfg.Engine.HeartbeatTimeout.D(),
		TickInterval:      cfg.Engine.TickInterval.D(),
		TaskTimeout:       cfg.Engine.TaskTimeout.D(),
		DefaultMaxRetries: cfg.Engine.DefaultMaxRetries,
		MaxRetriesLimit:   cfg.Engine.MaxRetriesLimit,
		Retry: scheduler.RetryPolicy{
			InitialInterval:     cfg.Retry.InitialInterval.D(),
			MaxInterval:         cfg.Retry.MaxInterval.D(),
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		},
	}
}

// workerConfig maps the file config onto a local runner's.
func workerConfig(cfg *config.Config) worker.RunnerConfig {
	return worker.RunnerConfig{
		HeartbeatInterval: cfg.Workers.HeartbeatInterval.D(),
		Handlers:          worker.Handlers(worker.HandlerConfig{SimulationScale: cfg.Workers.SimulationScale}),
		Breakers: worker.NewBreakerRegistry(worker.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout.D(),
		}),
		Retry: worker.DefaultRetryConfig(),
	}
}

// newDaemon opens storage and brokers and restores persisted state.
func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{bus: events.NewEventBus()}
	ready := false
	defer func() {
		if !ready {
			d.Close()
		}
	}()

	opts := engine.Options{Bus: d.bus}

	var db *persistence.SQLiteStore
	var persister scheduler.Persister
	if cfg.Storage.Path != "" {
		var err error
		db, err = persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, db.Close)
		persister = db
		opts.Workers = db
		log.Printf("Storing tasks in %s", cfg.Storage.Path)
	} else {
		log.Printf("WARNING: storage.path is empty; tasks are kept in memory only")
	}

	if cfg.AMQP.URL != "" {
		pub, err := transport.DialPublisher(transport.PublisherConfig{
			URL:         cfg.AMQP.URL,
			QueuePrefix: cfg.AMQP.QueuePrefix,
			TTL:         cfg.Engine.HeartbeatTimeout.D(),
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pub.Close)
		opts.Transports = map[string]engine.Transport{transport.Name: pub}
	}

	store := scheduler.NewStore(persister)
	var taskCache api.TaskCache
	if cfg.Redis.Addr != "" {
		var err error
		d.cache, err = cache.Dial(ctx, cache.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB, TTL: cfg.Redis.TTL.D()})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.cache.Close)
		taskCache = d.cache
		store.OnCommit(writeThrough(d.cache))
	}

	d.engine = engine.New(engineConfig(cfg), store, opts)
	if db != nil {
		if err := d.engine.Restore(ctx, db); err != nil {
			return nil, fmt.Errorf("restoring state: %w", err)
		}
	}

	d.server = api.NewServer(api.Config{
		Addr:      cfg.Server.Addr,
		ClaimWait: cfg.Server.ClaimWait.D(),
		Cache:     taskCache,
	}, d.engine)

	if cfg.Workers.Local > 0 {
		d.pool = worker.NewPool(worker.PoolConfig{
			Size:   cfg.Workers.Local,
			Runner: workerConfig(cfg),
		}, d.engine)
	}
	ready = true
	return d, nil
}

// Run runs every component until ctx is done, one of them fails, or the
// monitor exits.
func (d *daemon) Run(ctx context.Context, monitor func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.engine.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return d.server.Run(gctx)
	})
	if d.pool != nil {
		g.Go(func() error {
			return d.pool.Run(gctx)
		})
	}
	if monitor != nil {
		g.Go(func() error {
			// Quitting the monitor stops taskd
			defer cancel()
			return monitor(gctx)
		})
	}
	return g.Wait()
}

// writeThrough refreshes the cached snapshot of every committed task.
func writeThrough(c api.TaskCache) scheduler.CommitHook {
	return func(ctx context.Context, task scheduler.Task) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		defer cancel()
		if err := c.Put(ctx, task); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}
}

// Close releases storage and broker connections.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}
	d.closers = nil
	d.bus.Close()
}
