package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// PoolConfig configures a set of identical workers.
type PoolConfig struct {
	Size     int    // Number of workers (default 3)
	IDPrefix string // Worker ids are <prefix>-<n> (default "local")
	Runner   RunnerConfig
}

// Pool runs several workers against one coordinator.
type Pool struct {
	runners []*Runner
}

// NewPool creates Size workers sharing handlers and breakers.
func NewPool(cfg PoolConfig, coord Coordinator) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "local"
	}

	p := &Pool{runners: make([]*Runner, 0, cfg.Size)}
	for i := 1; i <= cfg.Size; i++ {
		rc := cfg.Runner
		rc.WorkerID = fmt.Sprintf("%s-%d", cfg.IDPrefix, i)
		p.runners = append(p.runners, NewRunner(rc, coord))
	}
	return p
}

// IDs returns the worker ids in the pool.
func (p *Pool) IDs() []string {
	ids := make([]string, len(p.runners))
	for i, r := range p.runners {
		ids[i] = r.ID()
	}
	return ids
}

// Run runs every worker until ctx is done or one fails to register.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return g.Wait()
}
