// Package embed runs the audio embedding worker: pop a job, encode the file,
// upsert the vector, flip the track status.
package embed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/domain"
)

// Queue is the subset of the queue client the worker needs.
type Queue interface {
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Heartbeat(ctx context.Context, key string, ttl time.Duration) error
}

// Config carries the loop's tunables.
type Config struct {
	QueueName     string
	HeartbeatKey  string
	HeartbeatTTL  time.Duration
	SleepInterval time.Duration
	MusicRoot     string
	MaxRetries    int
}

// Control is the subset of the control-plane state the loop consults.
type Control interface {
	Paused() bool
	Stopped() bool
}

// Worker consumes the embed queue.
type Worker struct {
	cfg      Config
	queue    Queue
	tracks   domain.TrackStore
	embeds   domain.EmbeddingStore
	failures domain.FailureStore
	encoder  domain.Encoder
	notifier domain.FailureNotifier
	ctrl     Control
}

// NewWorker wires the worker's collaborators. ctrl may be nil; the loop then
// runs unconditionally.
func NewWorker(cfg Config, q Queue, tracks domain.TrackStore, embeds domain.EmbeddingStore, failures domain.FailureStore, enc domain.Encoder, notifier domain.FailureNotifier, ctrl Control) *Worker {
	return &Worker{cfg: cfg, queue: q, tracks: tracks, embeds: embeds, failures: failures, encoder: enc, notifier: notifier, ctrl: ctrl}
}

// Run loops until ctx is cancelled. Infra errors back off and retry; job
// errors are recorded on the row and never crash the loop.
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.ctrl != nil && w.ctrl.Stopped() {
			slog.Info("embed worker stopping on control command")
			return nil
		}
		if err := w.queue.Heartbeat(ctx, w.cfg.HeartbeatKey, w.cfg.HeartbeatTTL); err != nil {
			slog.Warn("heartbeat failed", slog.Any("error", err))
		}
		if w.ctrl != nil && w.ctrl.Paused() {
			sleepCtx(ctx, w.cfg.SleepInterval)
			continue
		}
		payload, err := w.queue.BlockingPop(ctx, w.cfg.QueueName, w.cfg.SleepInterval)
		if err != nil {
			if errors.Is(err, domain.ErrQueueEmpty) {
				bo.Reset()
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			slog.Error("queue pop failed, backing off", slog.Any("error", err), slog.Duration("wait", wait))
			sleepCtx(ctx, wait)
			continue
		}
		bo.Reset()
		observability.JobsConsumedTotal.WithLabelValues(w.cfg.QueueName).Inc()

		job, err := domain.ParseEmbedJob(payload)
		if err != nil {
			slog.Warn("dropping malformed embed job", slog.Any("error", err))
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job domain.EmbedJob) {
	start := time.Now()
	lg := slog.With(slog.String("track_id", job.TrackID))

	marked, err := w.tracks.MarkProcessing(ctx, []string{job.TrackID})
	if err != nil {
		lg.Error("mark processing failed", slog.Any("error", err))
		return
	}
	if len(marked) == 0 {
		lg.Info("track not claimable, skipping")
		return
	}

	var hint float64
	if job.Duration != nil {
		hint = *job.Duration
	}
	path := domain.NormalizePath(w.cfg.MusicRoot, job.FilePath)
	vec, err := w.encoder.EncodeAudio(ctx, path, hint)
	if err != nil {
		w.recordFailure(ctx, job, err)
		return
	}

	e := domain.Embedding{
		TrackID:      job.TrackID,
		Vector:       vec,
		ModelVersion: w.encoder.ModelVersion(),
		AnalyzedAt:   time.Now().UTC(),
	}
	if err := w.embeds.Upsert(ctx, e); err != nil {
		lg.Error("embedding upsert failed", slog.Any("error", err))
		w.recordFailure(ctx, job, err)
		return
	}
	if err := w.tracks.MarkCompleted(ctx, job.TrackID); err != nil {
		// The embedding landed; maintenance will converge the status.
		lg.Error("status flip failed after upsert", slog.Any("error", err))
	}
	if err := w.failures.Resolve(ctx, "track", job.TrackID); err != nil {
		lg.Warn("failure resolve failed", slog.Any("error", err))
	}
	observability.JobsCompletedTotal.WithLabelValues(w.cfg.QueueName).Inc()
	observability.JobDuration.WithLabelValues(w.cfg.QueueName).Observe(time.Since(start).Seconds())
	lg.Info("embedding stored", slog.Duration("took", time.Since(start)))
}

func (w *Worker) recordFailure(ctx context.Context, job domain.EmbedJob, cause error) {
	kind := domain.Classify(cause)
	msg := domain.TruncateError(cause.Error())
	lg := slog.With(slog.String("track_id", job.TrackID), slog.String("kind", kind.String()))
	lg.Error("embed job failed", slog.Any("error", cause))
	observability.JobsFailedTotal.WithLabelValues(w.cfg.QueueName, kind.String()).Inc()

	if kind == domain.KindPermanent {
		if err := w.tracks.FailPermanently(ctx, job.TrackID, msg, w.cfg.MaxRetries); err != nil {
			lg.Error("fail permanently failed", slog.Any("error", err))
		}
	} else {
		if err := w.tracks.Fail(ctx, job.TrackID, msg); err != nil {
			lg.Error("fail update failed", slog.Any("error", err))
		}
	}

	failure := domain.EnrichmentFailure{
		EntityType:   "track",
		EntityID:     job.TrackID,
		ErrorMessage: msg,
		LastFailedAt: time.Now().UTC(),
		Metadata:     map[string]string{"stage": "embedding", "kind": kind.String()},
	}
	if err := w.failures.Upsert(ctx, failure); err != nil {
		lg.Error("failure upsert failed", slog.Any("error", err))
	}
	if w.notifier != nil {
		track, gerr := w.tracks.Get(ctx, job.TrackID)
		if gerr != nil {
			track = domain.Track{ID: job.TrackID}
		}
		w.notifier.NotifyFailure(ctx, failure, track)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
