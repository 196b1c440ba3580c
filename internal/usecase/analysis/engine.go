// Package analysis runs the feature-extraction worker pool: batch assembly,
// per-batch timeouts, pool-crash recovery, the retry ladder, maintenance,
// and debounced control-plane resizes.
package analysis

import (
	"context"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// Engine is one pool worker's extraction backend. Each engine owns its own
// model replica; a crashed engine invalidates the whole pool.
type Engine interface {
	Analyze(ctx context.Context, path string) (domain.Features, error)
	// Probe submits a no-op so the loop can detect a wedged backend.
	Probe(ctx context.Context) error
	Close() error
}

// EngineFactory builds a fresh engine. Called once per pool slot and again
// whenever the pool is rebuilt after a crash.
type EngineFactory func(ctx context.Context) (Engine, error)
