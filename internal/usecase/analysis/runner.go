package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/domain"
)

// Queue is the subset of the queue client the runner and maintenance need.
type Queue interface {
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	DrainPop(ctx context.Context, queue string, count int) ([][]byte, error)
	Push(ctx context.Context, queue string, payload []byte) error
	PushBack(ctx context.Context, queue string, payload []byte) error
	Len(ctx context.Context, queue string) (int64, error)
	Heartbeat(ctx context.Context, key string, ttl time.Duration) error
}

// Config carries the runner's tunables.
type Config struct {
	QueueName          string
	HeartbeatKey       string
	HeartbeatTTL       time.Duration
	SleepInterval      time.Duration
	BatchSize          int
	BatchTimeout       time.Duration
	MaxRetries         int
	Workers            int
	ResizeDebounce     time.Duration
	IdleShutdownCycles int
	HealthProbeBudget  time.Duration
	MusicRoot          string
	MaxFileSizeBytes   int64
	EngineVersion      string
}

// Runner owns the batch loop: assemble a batch, dispatch it across the pool,
// classify outcomes, and keep the pool itself healthy.
type Runner struct {
	cfg      Config
	queue    Queue
	tracks   domain.TrackStore
	failures domain.FailureStore
	factory  EngineFactory
	state    *ControlState
	maint    *Maintenance

	pool        *Pool
	emptyCycles int
}

// NewRunner wires the runner's collaborators. The pool is built lazily on the
// first batch so an idle worker holds no model replicas.
func NewRunner(cfg Config, q Queue, tracks domain.TrackStore, failures domain.FailureStore, factory EngineFactory, state *ControlState, maint *Maintenance) *Runner {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Runner{cfg: cfg, queue: q, tracks: tracks, failures: failures, factory: factory, state: state, maint: maint}
}

// batchItem pairs a parsed job with its raw payload so a crash requeue can
// push back the exact bytes that were popped.
type batchItem struct {
	job     domain.AnalyzeJob
	payload []byte
}

// jobResult is one engine's verdict on one item.
type jobResult struct {
	trackID  string
	features domain.Features
	err      error
}

// Run loops until ctx is cancelled or a stop command arrives.
func (r *Runner) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			r.shutdownPool()
			return ctx.Err()
		}
		if r.state.Stopped() {
			slog.Info("stop requested, shutting down pool")
			r.shutdownPool()
			return nil
		}
		if err := r.queue.Heartbeat(ctx, r.cfg.HeartbeatKey, r.cfg.HeartbeatTTL); err != nil {
			slog.Warn("heartbeat failed", slog.Any("error", err))
		}
		if r.state.Paused() {
			sleepCtx(ctx, r.cfg.SleepInterval)
			continue
		}
		if n, ok := r.state.PendingResize(r.cfg.ResizeDebounce); ok {
			r.applyResize(ctx, n)
		}
		if r.pool != nil {
			if err := r.pool.Probe(ctx, r.cfg.HealthProbeBudget); err != nil {
				slog.Error("pool health probe failed, rebuilding", slog.Any("error", err))
				r.rebuildPool(ctx)
			}
		}

		batch, err := r.collectBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.shutdownPool()
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			slog.Error("queue pop failed, backing off", slog.Any("error", err), slog.Duration("wait", wait))
			sleepCtx(ctx, wait)
			continue
		}
		bo.Reset()
		if len(batch) == 0 {
			r.onIdleCycle(ctx)
			continue
		}
		r.emptyCycles = 0

		if r.pool == nil {
			if err := r.ensurePool(ctx); err != nil {
				slog.Error("pool build failed, requeueing batch", slog.Any("error", err))
				r.requeueBatch(ctx, batch)
				sleepCtx(ctx, bo.NextBackOff())
				continue
			}
		}
		r.runBatch(ctx, batch)
	}
}

// collectBatch blocks for one payload then drains up to BatchSize-1 more
// without waiting, and claims the corresponding rows. Jobs whose rows could
// not transition are dropped: another worker owns them.
func (r *Runner) collectBatch(ctx context.Context) ([]batchItem, error) {
	first, err := r.queue.BlockingPop(ctx, r.cfg.QueueName, r.cfg.SleepInterval)
	if err != nil {
		if errors.Is(err, domain.ErrQueueEmpty) {
			return nil, nil
		}
		return nil, err
	}
	payloads := [][]byte{first}
	if r.cfg.BatchSize > 1 {
		more, err := r.queue.DrainPop(ctx, r.cfg.QueueName, r.cfg.BatchSize-1)
		if err != nil {
			slog.Warn("batch drain failed, running partial batch", slog.Any("error", err))
		} else {
			payloads = append(payloads, more...)
		}
	}
	observability.JobsConsumedTotal.WithLabelValues(r.cfg.QueueName).Add(float64(len(payloads)))

	items := make([]batchItem, 0, len(payloads))
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		job, err := domain.ParseAnalyzeJob(p)
		if err != nil {
			slog.Warn("dropping malformed analysis job", slog.Any("error", err))
			continue
		}
		items = append(items, batchItem{job: job, payload: p})
		ids = append(ids, job.TrackID)
	}
	if len(items) == 0 {
		return nil, nil
	}

	marked, err := r.tracks.MarkProcessing(ctx, ids)
	if err != nil {
		// Claim failed wholesale; push everything back rather than guess.
		slog.Error("mark processing failed, requeueing batch", slog.Any("error", err))
		r.requeueBatch(ctx, items)
		return nil, nil
	}
	owned := make(map[string]bool, len(marked))
	for _, id := range marked {
		owned[id] = true
	}
	kept := items[:0]
	for _, it := range items {
		if owned[it.job.TrackID] {
			kept = append(kept, it)
		} else {
			slog.Info("track not claimable, skipping", slog.String("track_id", it.job.TrackID))
		}
	}
	return kept, nil
}

// runBatch dispatches items across the pool under the batch timeout and
// settles every item exactly once: completed, failed, or requeued.
func (r *Runner) runBatch(ctx context.Context, batch []batchItem) {
	start := time.Now()
	bctx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	results := make(chan jobResult, len(batch))
	var wg sync.WaitGroup
	for _, it := range batch {
		wg.Add(1)
		go func(it batchItem) {
			defer wg.Done()
			results <- r.analyzeOne(bctx, it.job)
		}(it)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	finished := make(map[string]bool, len(batch))
	var crash error
	var timedOut bool

collect:
	for res := range results {
		switch {
		case res.err == nil:
			finished[res.trackID] = true
			r.settleSuccess(ctx, res)
		case domain.Classify(res.err) == domain.KindPoolCrash:
			// One dead child poisons every sibling; abandon the batch.
			crash = res.err
			cancel()
			break collect
		case bctx.Err() != nil && ctx.Err() == nil:
			timedOut = true
			break collect
		default:
			finished[res.trackID] = true
			r.settleFailure(ctx, res.trackID, res.err)
		}
	}

	unfinished := make([]batchItem, 0, len(batch))
	for _, it := range batch {
		if !finished[it.job.TrackID] {
			unfinished = append(unfinished, it)
		}
	}

	switch {
	case crash != nil:
		slog.Error("pool crash mid-batch, requeueing unfinished jobs",
			slog.Any("error", crash), slog.Int("unfinished", len(unfinished)))
		if err := r.tracks.ResetToPending(ctx, trackIDs(unfinished)); err != nil {
			slog.Error("reset to pending failed", slog.Any("error", err))
		}
		r.requeueBatch(ctx, unfinished)
		r.rebuildPool(ctx)
	case timedOut:
		slog.Error("batch timeout, failing unfinished jobs permanently",
			slog.Duration("budget", r.cfg.BatchTimeout), slog.Int("unfinished", len(unfinished)))
		for _, it := range unfinished {
			r.settleFailure(ctx, it.job.TrackID, fmt.Errorf("%w after %s", domain.ErrBatchTimeout, r.cfg.BatchTimeout))
		}
		// The cancel killed every in-flight child; the pool is unusable.
		r.rebuildPool(ctx)
	}
	observability.JobDuration.WithLabelValues(r.cfg.QueueName).Observe(time.Since(start).Seconds())
}

// analyzeOne checks the file, borrows an engine, and extracts features.
func (r *Runner) analyzeOne(ctx context.Context, job domain.AnalyzeJob) jobResult {
	path := domain.NormalizePath(r.cfg.MusicRoot, job.FilePath)
	info, err := os.Stat(path)
	if err != nil {
		return jobResult{trackID: job.TrackID, err: fmt.Errorf("op=analysis.stat: %w", err)}
	}
	if r.cfg.MaxFileSizeBytes > 0 && info.Size() > r.cfg.MaxFileSizeBytes {
		return jobResult{trackID: job.TrackID, err: fmt.Errorf("%w: %d bytes", domain.ErrOversizedFile, info.Size())}
	}

	e, err := r.pool.Acquire(ctx)
	if err != nil {
		return jobResult{trackID: job.TrackID, err: err}
	}
	defer r.pool.Release(e)
	feats, err := e.Analyze(ctx, path)
	if err != nil {
		return jobResult{trackID: job.TrackID, err: err}
	}
	return jobResult{trackID: job.TrackID, features: feats}
}

func (r *Runner) settleSuccess(ctx context.Context, res jobResult) {
	if err := r.tracks.Complete(ctx, res.trackID, res.features, r.cfg.EngineVersion); err != nil {
		slog.Error("complete failed", slog.String("track_id", res.trackID), slog.Any("error", err))
		return
	}
	if err := r.failures.Resolve(ctx, "track", res.trackID); err != nil {
		slog.Warn("failure resolve failed", slog.String("track_id", res.trackID), slog.Any("error", err))
	}
	observability.JobsCompletedTotal.WithLabelValues(r.cfg.QueueName).Inc()
	slog.Info("analysis stored", slog.String("track_id", res.trackID))
}

func (r *Runner) settleFailure(ctx context.Context, trackID string, cause error) {
	kind := domain.Classify(cause)
	msg := domain.TruncateError(cause.Error())
	lg := slog.With(slog.String("track_id", trackID), slog.String("kind", kind.String()))
	lg.Error("analysis job failed", slog.Any("error", cause))
	observability.JobsFailedTotal.WithLabelValues(r.cfg.QueueName, kind.String()).Inc()

	if kind == domain.KindPermanent || kind == domain.KindBatchTimeout {
		if err := r.tracks.FailPermanently(ctx, trackID, msg, r.cfg.MaxRetries); err != nil {
			lg.Error("fail permanently failed", slog.Any("error", err))
		}
	} else {
		if err := r.tracks.Fail(ctx, trackID, msg); err != nil {
			lg.Error("fail update failed", slog.Any("error", err))
		}
	}
	failure := domain.EnrichmentFailure{
		EntityType:   "track",
		EntityID:     trackID,
		ErrorMessage: msg,
		LastFailedAt: time.Now().UTC(),
		Metadata:     map[string]string{"stage": "analysis", "kind": kind.String()},
	}
	if err := r.failures.Upsert(ctx, failure); err != nil {
		lg.Error("failure upsert failed", slog.Any("error", err))
	}
}

// requeueBatch pushes raw payloads to the consumer end of the queue so they
// run next, without touching retry budgets.
func (r *Runner) requeueBatch(ctx context.Context, items []batchItem) {
	for _, it := range items {
		if err := r.queue.PushBack(ctx, r.cfg.QueueName, it.payload); err != nil {
			slog.Error("requeue push failed", slog.String("track_id", it.job.TrackID), slog.Any("error", err))
			continue
		}
		observability.JobsRequeuedTotal.WithLabelValues(r.cfg.QueueName).Inc()
	}
}

// onIdleCycle counts empty poll cycles, runs maintenance, and releases the
// pool once the system is demonstrably drained.
func (r *Runner) onIdleCycle(ctx context.Context) {
	r.emptyCycles++
	if r.emptyCycles < r.cfg.IdleShutdownCycles {
		return
	}
	r.emptyCycles = 0
	if r.maint != nil {
		r.maint.RunOnce(ctx)
	}
	if r.pool == nil {
		return
	}
	qlen, err := r.queue.Len(ctx, r.cfg.QueueName)
	if err != nil {
		slog.Warn("queue length check failed", slog.Any("error", err))
		return
	}
	pending, err := r.tracks.CountPending(ctx)
	if err != nil {
		slog.Warn("pending count failed", slog.Any("error", err))
		return
	}
	if qlen == 0 && pending == 0 {
		slog.Info("idle with no pending work, releasing pool")
		r.shutdownPool()
	}
}

func (r *Runner) ensurePool(ctx context.Context) error {
	p, err := NewPool(ctx, r.factory, r.cfg.Workers)
	if err != nil {
		return err
	}
	r.pool = p
	slog.Info("pool started", slog.Int("workers", p.Size()))
	return nil
}

func (r *Runner) rebuildPool(ctx context.Context) {
	observability.PoolRebuildsTotal.Inc()
	r.shutdownPool()
	if err := r.ensurePool(ctx); err != nil {
		slog.Error("pool rebuild failed, next batch will retry", slog.Any("error", err))
	}
}

// applyResize builds the replacement pool before closing the old one so
// in-flight work (there is none mid-loop, but Close still joins) drains.
func (r *Runner) applyResize(ctx context.Context, n int) {
	if r.pool != nil && r.pool.Size() == n {
		return
	}
	slog.Info("applying pool resize", slog.Int("workers", n))
	r.cfg.Workers = n
	if r.pool == nil {
		// No pool yet; the next batch builds at the new size.
		return
	}
	old := r.pool
	if err := r.ensurePool(ctx); err != nil {
		slog.Error("resize pool build failed, keeping old pool", slog.Any("error", err))
		r.pool = old
		return
	}
	old.Close()
}

func (r *Runner) shutdownPool() {
	if r.pool == nil {
		return
	}
	r.pool.Close()
	r.pool = nil
	observability.PoolWorkers.Set(0)
	debug.FreeOSMemory()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func trackIDs(items []batchItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.job.TrackID)
	}
	return ids
}
