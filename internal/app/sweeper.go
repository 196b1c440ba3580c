package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
)

// MaintenanceFunc runs one maintenance pass over the durable store.
type MaintenanceFunc func(ctx context.Context) error

// MaintenanceSweeper runs store maintenance on a fixed interval as a safety
// net. The analysis runner triggers the same pass on idle cycles; this one
// covers deployments where the queue never drains.
type MaintenanceSweeper struct {
	run      MaintenanceFunc
	interval time.Duration
}

// NewMaintenanceSweeper builds a sweeper; a nil run disables it.
func NewMaintenanceSweeper(run MaintenanceFunc, interval time.Duration) *MaintenanceSweeper {
	if run == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &MaintenanceSweeper{run: run, interval: interval}
}

// Run sweeps until ctx ends, starting with an immediate pass.
func (s *MaintenanceSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *MaintenanceSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "MaintenanceSweeper.sweepOnce")
	defer span.End()
	if err := s.run(ctx); err != nil {
		span.RecordError(err)
		slog.Error("maintenance sweep failed", slog.Any("error", err))
	}
}
