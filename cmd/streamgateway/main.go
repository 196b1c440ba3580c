// Package main runs the stream gateway: device-code auth, catalog lookups,
// the byte-range stream proxy, downloads, and the library endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vibetune/audiosidecar/internal/adapter/httpserver"
	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/adapter/repo/postgres"
	"github.com/vibetune/audiosidecar/internal/app"
	"github.com/vibetune/audiosidecar/internal/config"
	"github.com/vibetune/audiosidecar/internal/domain"
	"github.com/vibetune/audiosidecar/internal/stream/governor"
	"github.com/vibetune/audiosidecar/internal/stream/session"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting stream gateway", slog.String("env", cfg.AppEnv), slog.Int("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		library domain.LibraryStore
		dbCheck = app.DBCheck(nil)
	)
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		// The gateway can stream without a durable store; only the library
		// routes need it.
		slog.Warn("database unavailable, library routes disabled", slog.Any("error", err))
	} else {
		defer pool.Close()
		library = postgres.NewLibraryRepo(pool)
		dbCheck = app.DBCheck(pool)
	}

	api := provider.New(provider.Config{
		AuthBaseURL: cfg.ProviderAuthURL,
		APIBaseURL:  cfg.ProviderBaseURL,
		ClientID:    cfg.ProviderClientID,
		Timeout:     cfg.ConnectTimeout,
	})
	cache := urlcache.New(cfg.URLCacheTTL)
	sessions := session.New(provider.NewFactory(api), cache.ClearUser)
	gov := governor.New(governor.Config{
		Concurrency:   cfg.ExtractSlots,
		JitterMin:     cfg.ExtractJitterMin,
		JitterMax:     cfg.ExtractJitterMax,
		BatchDelayMin: cfg.BatchDelayMin,
		BatchDelayMax: cfg.BatchDelayMax,
	})

	presets, err := app.LoadPathPresets(cfg.PathPresetsFile)
	if err != nil {
		slog.Error("path presets load failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.New(httpserver.Config{
		DownloadRoot:    cfg.MusicRoot,
		PathTemplate:    cfg.PathTemplate,
		PathPresets:     presets,
		TrackDelay:      cfg.TrackDelay,
		UpstreamTimeout: cfg.ConnectTimeout,
	}, api, sessions, cache, gov, library)

	ready := app.ReadyzHandler(dbCheck, app.ProviderCheck(cfg.ProviderAuthURL))
	handler := app.BuildRouter(cfg, srv, ready)

	httpSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout stays 0: the proxy and download routes stream for
		// minutes.
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}
	slog.Info("stream gateway stopped")
}
