// Package governor paces outbound provider calls. A weighted semaphore
// bounds concurrency and a jittered inter-extraction gap keeps the request
// pattern away from anything that looks like a scraper.
package governor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config carries the pacing bounds.
type Config struct {
	Concurrency   int64
	JitterMin     time.Duration
	JitterMax     time.Duration
	BatchDelayMin time.Duration
	BatchDelayMax time.Duration
}

// Governor serializes heavy upstream calls.
type Governor struct {
	sem *semaphore.Weighted
	cfg Config

	mu          sync.Mutex
	lastExtract time.Time
	rng         *rand.Rand
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a governor. Concurrency below 1 is treated as 1.
func New(cfg Config) *Governor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Governor{
		sem:   semaphore.NewWeighted(cfg.Concurrency),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Acquire takes one semaphore slot, blocking until free or ctx ends.
func (g *Governor) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot.
func (g *Governor) Release() {
	g.sem.Release(1)
}

// PaceExtraction waits out the jittered gap since the previous extraction,
// then stamps this one. Callers hold a semaphore slot while extracting.
func (g *Governor) PaceExtraction(ctx context.Context) error {
	g.mu.Lock()
	gap := g.randDuration(g.cfg.JitterMin, g.cfg.JitterMax)
	wait := g.lastExtract.Add(gap).Sub(g.now())
	if g.lastExtract.IsZero() {
		wait = 0
	}
	g.lastExtract = g.now()
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	return g.sleep(ctx, wait)
}

// BatchDelay sleeps a random interval used between fan-out requests of one
// batch download.
func (g *Governor) BatchDelay(ctx context.Context) error {
	g.mu.Lock()
	d := g.randDuration(g.cfg.BatchDelayMin, g.cfg.BatchDelayMax)
	g.mu.Unlock()
	if d <= 0 {
		return nil
	}
	return g.sleep(ctx, d)
}

func (g *Governor) randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(g.rng.Int63n(int64(hi-lo)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
