package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// Maintenance reconciles the track table with reality: rows stuck in
// processing, rows failed despite a committed embedding, under-budget
// failures, and pending rows whose queue entry was lost.
type Maintenance struct {
	tracks     domain.TrackStore
	failures   domain.FailureStore
	queue      Queue
	queueName  string
	batchSize  int
	window     time.Duration
	maxRetries int
}

// NewMaintenance wires the maintenance pass.
func NewMaintenance(tracks domain.TrackStore, failures domain.FailureStore, queue Queue, queueName string, batchSize int, window time.Duration, maxRetries int) *Maintenance {
	return &Maintenance{
		tracks:     tracks,
		failures:   failures,
		queue:      queue,
		queueName:  queueName,
		batchSize:  batchSize,
		window:     window,
		maxRetries: maxRetries,
	}
}

// RunOnce executes one maintenance pass. Individual step failures are logged
// and do not abort the remaining steps.
func (m *Maintenance) RunOnce(ctx context.Context) {
	tracer := otel.Tracer("analysis.maintenance")
	ctx, span := tracer.Start(ctx, "Maintenance.RunOnce")
	defer span.End()

	if n, err := m.tracks.RecoverWithEmbedding(ctx); err != nil {
		slog.Error("maintenance: recover-with-embedding failed", slog.Any("error", err))
	} else if n > 0 {
		span.SetAttributes(attribute.Int64("tracks.recovered_with_embedding", n))
		slog.Info("maintenance: completed rows with committed embeddings", slog.Int64("count", n))
	}

	if n, err := m.tracks.ResetStale(ctx, m.window, m.maxRetries); err != nil {
		slog.Error("maintenance: reset-stale failed", slog.Any("error", err))
	} else if n > 0 {
		span.SetAttributes(attribute.Int64("tracks.reset_stale", n))
		slog.Info("maintenance: reset stale processing rows", slog.Int64("count", n))
	}

	if ids, err := m.tracks.FailStaleExhausted(ctx, m.window, m.maxRetries); err != nil {
		slog.Error("maintenance: fail-stale-exhausted failed", slog.Any("error", err))
	} else if len(ids) > 0 {
		span.SetAttributes(attribute.Int("tracks.failed_stale_exhausted", len(ids)))
		slog.Warn("maintenance: terminally failed stale rows out of retries", slog.Int("count", len(ids)))
		for _, id := range ids {
			failure := domain.EnrichmentFailure{
				EntityType:   "track",
				EntityID:     id,
				ErrorMessage: domain.StaleExhaustedMessage,
				LastFailedAt: time.Now().UTC(),
				Metadata:     map[string]string{"stage": "analysis", "kind": domain.KindPermanent.String()},
			}
			if err := m.failures.Upsert(ctx, failure); err != nil {
				slog.Warn("maintenance: failure upsert failed", slog.String("track_id", id), slog.Any("error", err))
			}
		}
	}

	if n, err := m.tracks.RecoverMisfailed(ctx); err != nil {
		slog.Error("maintenance: recover-misfailed failed", slog.Any("error", err))
	} else if n > 0 {
		span.SetAttributes(attribute.Int64("tracks.recovered_misfailed", n))
		slog.Info("maintenance: recovered mis-failed rows", slog.Int64("count", n))
	}

	if n, err := m.tracks.RequeueFailed(ctx, m.maxRetries); err != nil {
		slog.Error("maintenance: requeue-failed failed", slog.Any("error", err))
	} else if n > 0 {
		span.SetAttributes(attribute.Int64("tracks.requeued_failed", n))
		slog.Info("maintenance: made failed rows pending again", slog.Int64("count", n))
	}

	m.reconcile(ctx)
}

// reconcile claims pending rows and pushes them onto the queue, recovering
// jobs whose queue entry was lost to a restart.
func (m *Maintenance) reconcile(ctx context.Context) {
	claimed, err := m.tracks.ClaimPending(ctx, m.batchSize)
	if err != nil {
		slog.Error("maintenance: claim-pending failed", slog.Any("error", err))
		return
	}
	for _, t := range claimed {
		payload, err := json.Marshal(domain.AnalyzeJob{TrackID: t.ID, FilePath: t.FilePath})
		if err != nil {
			slog.Error("maintenance: payload marshal failed", slog.String("track_id", t.ID), slog.Any("error", err))
			continue
		}
		if err := m.queue.Push(ctx, m.queueName, payload); err != nil {
			slog.Error("maintenance: requeue push failed", slog.String("track_id", t.ID), slog.Any("error", err))
			// Leave the row in processing; the stale reaper will reset it.
			continue
		}
	}
	if len(claimed) > 0 {
		slog.Info("maintenance: reconciled pending rows onto queue", slog.Int("count", len(claimed)))
	}
}
