package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/domain"
)

// Pool is a fixed-size set of engines handed out through a channel. The pool
// value is replaced, never mutated: references obtained before a swap stay
// valid for outstanding work, and Close waits for them to come back.
type Pool struct {
	slots chan Engine
	size  int
}

// NewPool eagerly builds size engines. Eager construction keeps child model
// load time out of the first batch's timeout budget.
func NewPool(ctx context.Context, factory EngineFactory, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{slots: make(chan Engine, size), size: size}
	for i := 0; i < size; i++ {
		e, err := factory(ctx)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = (<-p.slots).Close()
			}
			return nil, fmt.Errorf("op=pool.new: %w", err)
		}
		p.slots <- e
	}
	observability.PoolWorkers.Set(float64(size))
	return p, nil
}

// Size returns the worker count the pool was built with.
func (p *Pool) Size() int { return p.size }

// Acquire takes an engine, blocking until one is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e := <-p.slots:
		return e, nil
	}
}

// Release returns an engine to the pool.
func (p *Pool) Release(e Engine) {
	if e == nil {
		return
	}
	p.slots <- e
}

// Probe runs a health no-op on one engine within budget. A failure means the
// pool must be rebuilt.
func (p *Pool) Probe(ctx context.Context, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	e, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=pool.probe: %w: no free engine within budget", domain.ErrPoolCrash)
	}
	defer p.Release(e)
	if err := e.Probe(ctx); err != nil {
		return fmt.Errorf("op=pool.probe: %w: %v", domain.ErrPoolCrash, err)
	}
	return nil
}

// Close drains all slots, waiting for in-flight work to release its engine,
// then closes every engine.
func (p *Pool) Close() {
	for i := 0; i < p.size; i++ {
		select {
		case e := <-p.slots:
			if err := e.Close(); err != nil {
				slog.Warn("engine close failed", slog.Any("error", err))
			}
		case <-time.After(10 * time.Second):
			// In-flight work did not come back within the join cap.
			slog.Warn("pool close timed out waiting for engine", slog.Int("slot", i))
			return
		}
	}
}
