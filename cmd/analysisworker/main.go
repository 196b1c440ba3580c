// Package main runs the analysis worker: the batch feature-extraction pool
// with crash recovery, the stale reaper, and the control-plane listener.
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

	"github.com/vibetune/audiosidecar/internal/adapter/extractor"
	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/adapter/queue/redisq"
	"github.com/vibetune/audiosidecar/internal/adapter/repo/postgres"
	"github.com/vibetune/audiosidecar/internal/app"
	"github.com/vibetune/audiosidecar/internal/config"
	"github.com/vibetune/audiosidecar/internal/usecase/analysis"
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

	slog.Info("starting analysis worker", slog.String("env", cfg.AppEnv),
		slog.Int("workers", cfg.Workers), slog.String("engine", cfg.EngineVersion))

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

	tracks := postgres.NewTrackRepo(pool)
	failures := postgres.NewFailureRepo(pool)

	factory := func(ctx context.Context) (analysis.Engine, error) {
		return extractor.New(ctx, extractor.Config{
			Bin:         cfg.ExtractorBin,
			SampleRate:  cfg.AudioSampleRate,
			MaxDuration: cfg.ExtractMaxSecs,
		})
	}

	ctrl := &analysis.ControlState{}
	go analysis.Listen(ctx, queue, cfg.AnalysisControl, ctrl)

	maint := analysis.NewMaintenance(tracks, failures, queue, cfg.AnalysisQueue,
		cfg.BatchSize, cfg.StalenessWindow, cfg.MaxRetries)
	sweeper := app.NewMaintenanceSweeper(func(ctx context.Context) error {
		maint.RunOnce(ctx)
		return nil
	}, cfg.StalenessWindow)
	go sweeper.Run(ctx)

	runner := analysis.NewRunner(analysis.Config{
		QueueName:          cfg.AnalysisQueue,
		HeartbeatKey:       cfg.AnalysisHeartbeat,
		HeartbeatTTL:       cfg.HeartbeatTTL,
		SleepInterval:      cfg.SleepInterval,
		BatchSize:          cfg.BatchSize,
		BatchTimeout:       cfg.BatchTimeout,
		MaxRetries:         cfg.MaxRetries,
		Workers:            cfg.Workers,
		ResizeDebounce:     cfg.ResizeDebounce,
		IdleShutdownCycles: cfg.IdleShutdownCycle,
		HealthProbeBudget:  cfg.HealthProbeBudget,
		MusicRoot:          cfg.MusicRoot,
		MaxFileSizeBytes:   cfg.MaxFileSizeBytes(),
		EngineVersion:      cfg.EngineVersion,
	}, queue, tracks, failures, factory, ctrl, maint)

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("analysis worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("analysis worker stopped")
}
