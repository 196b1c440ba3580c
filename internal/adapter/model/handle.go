// Package model manages the shared audio/text scorer: lazy loading, encode
// serialization, idle unloading, and memory release.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/domain"
)

// Scorer is a loaded model backend. Implementations need not be safe for
// concurrent use; the Handle serializes all calls.
type Scorer interface {
	EncodeAudio(ctx context.Context, path string, durationHint float64) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// Loader produces a Scorer on first use.
type Loader func(ctx context.Context) (Scorer, error)

// Handle is the process-wide lazily loaded scorer. One instance is shared by
// all workers; encode calls are serialized under the mutex because the
// underlying kernels are not reentrant.
type Handle struct {
	mu       sync.Mutex
	loader   Loader
	scorer   Scorer
	version  string
	lastWork time.Time
}

// NewHandle builds an unloaded handle. The loader runs on the first encode.
func NewHandle(version string, loader Loader) *Handle {
	return &Handle{loader: loader, version: version}
}

// ModelVersion reports the configured model identifier.
func (h *Handle) ModelVersion() string { return h.version }

// Loaded reports whether the scorer is currently resident.
func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scorer != nil
}

// LastWork returns the time of the last successful encode.
func (h *Handle) LastWork() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastWork
}

func (h *Handle) ensureLoadedLocked(ctx context.Context) error {
	if h.scorer != nil {
		return nil
	}
	start := time.Now()
	s, err := h.loader(ctx)
	if err != nil {
		return fmt.Errorf("op=model.load: %w", err)
	}
	h.scorer = s
	observability.ModelLoaded.Set(1)
	slog.Info("model loaded", slog.String("version", h.version), slog.Duration("took", time.Since(start)))
	return nil
}

// EncodeAudio produces the ℓ²-normalized embedding for an audio file. The
// backend extracts the middle window itself; durationHint skips the probe.
func (h *Handle) EncodeAudio(ctx domain.Context, path string, durationHint float64) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	vec, err := h.scorer.EncodeAudio(ctx, path, durationHint)
	if err != nil {
		return nil, fmt.Errorf("op=model.encode_audio: %w", err)
	}
	observability.EncodeDuration.WithLabelValues("audio").Observe(time.Since(start).Seconds())
	h.lastWork = time.Now()
	return normalize(vec)
}

// EncodeText produces the ℓ²-normalized embedding for a text query.
func (h *Handle) EncodeText(ctx domain.Context, text string) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	vec, err := h.scorer.EncodeText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("op=model.encode_text: %w", err)
	}
	observability.EncodeDuration.WithLabelValues("text").Observe(time.Since(start).Seconds())
	h.lastWork = time.Now()
	return normalize(vec)
}

// Unload drops the scorer and returns heap pages to the OS. Idempotent; the
// next encode reloads lazily.
func (h *Handle) Unload() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scorer == nil {
		return
	}
	if err := h.scorer.Close(); err != nil {
		slog.Warn("model close failed", slog.Any("error", err))
	}
	h.scorer = nil
	observability.ModelLoaded.Set(0)
	debug.FreeOSMemory()
	slog.Info("model unloaded", slog.String("version", h.version))
}

// StartIdleWatcher unloads the model after idleTimeout with no encodes. The
// goroutine stops when ctx is done.
func (h *Handle) StartIdleWatcher(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.mu.Lock()
				idle := h.scorer != nil && !h.lastWork.IsZero() && time.Since(h.lastWork) > idleTimeout
				h.mu.Unlock()
				if idle {
					slog.Info("model idle, unloading", slog.Duration("idle_timeout", idleTimeout))
					h.Unload()
				}
			}
		}
	}()
}

func normalize(vec []float32) ([]float32, error) {
	if len(vec) != domain.EmbeddingDim {
		return nil, fmt.Errorf("op=model.normalize: %w: got %d dims, want %d", domain.ErrInvalidArgument, len(vec), domain.EmbeddingDim)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("op=model.normalize: %w: non-finite component", domain.ErrInvalidArgument)
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("op=model.normalize: %w: zero vector", domain.ErrInvalidArgument)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out, nil
}
