// Package main runs the embedding worker: the audio embed queue consumer and
// the synchronous text-embed responder, sharing one lazily loaded model.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vibetune/audiosidecar/internal/adapter/model"
	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/adapter/platform"
	"github.com/vibetune/audiosidecar/internal/adapter/queue/redisq"
	"github.com/vibetune/audiosidecar/internal/adapter/repo/postgres"
	"github.com/vibetune/audiosidecar/internal/config"
	"github.com/vibetune/audiosidecar/internal/usecase/analysis"
	"github.com/vibetune/audiosidecar/internal/usecase/embed"
	"github.com/vibetune/audiosidecar/internal/usecase/textembed"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting embed worker", slog.String("env", cfg.AppEnv),
		slog.String("model", cfg.ModelVersion))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	encoder := model.NewHandle(cfg.ModelVersion, model.NewProcessLoader(model.ProcessLoaderConfig{
		Bin:          cfg.ScorerBin,
		ModelVersion: cfg.ModelVersion,
		WindowSecs:   cfg.AudioWindowSecs,
		SampleRate:   cfg.AudioSampleRate,
	}))
	encoder.StartIdleWatcher(ctx, cfg.ModelIdleTimeout)
	defer encoder.Unload()

	notifier := platform.NewNotifier(cfg.PlatformBaseURL, cfg.InternalSecret, cfg.FailureBudget)

	tracks := postgres.NewTrackRepo(pool)
	embeds := postgres.NewEmbeddingRepo(pool)
	failures := postgres.NewFailureRepo(pool)

	ctrl := &analysis.ControlState{}
	go analysis.Listen(ctx, queue, cfg.EmbedControl, ctrl)

	worker := embed.NewWorker(embed.Config{
		QueueName:     cfg.EmbedQueue,
		HeartbeatKey:  cfg.EmbedHeartbeat,
		HeartbeatTTL:  cfg.HeartbeatTTL,
		SleepInterval: cfg.SleepInterval,
		MusicRoot:     cfg.MusicRoot,
		MaxRetries:    cfg.MaxRetries,
	}, queue, tracks, embeds, failures, encoder, notifier, ctrl)

	responder := textembed.NewResponder(textembed.Config{
		Stream:            cfg.TextEmbedStream,
		Group:             cfg.TextEmbedGroup,
		ResponseKeyPrefix: cfg.ResponseKeyPrefix,
		ConsumerPrefix:    cfg.ConsumerPrefix,
		ClaimInterval:     cfg.ClaimInterval,
		ClaimMinIdle:      cfg.ClaimMinIdle,
		ClaimCount:        cfg.ClaimCount,
		ResponseTTL:       cfg.ResponseTTL,
	}, queue, encoder)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return responder.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("embed worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("embed worker stopped")
}
