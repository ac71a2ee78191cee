package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
)

// MaintenanceConfig tunes the maintenance worker.
type MaintenanceConfig struct {
	Interval   time.Duration
	PurgeLimit int
}

// MaintenanceWorker provisions message partitions ahead of the month
// boundary and purges expired idempotency records.
type MaintenanceWorker struct {
	store  repository.Store
	logger *slog.Logger
	cfg    MaintenanceConfig
	now    func() time.Time
}

func NewMaintenanceWorker(store repository.Store, logger *slog.Logger, cfg MaintenanceConfig) *MaintenanceWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PurgeLimit <= 0 {
		cfg.PurgeLimit = 1000
	}
	return &MaintenanceWorker{
		store:  store,
		logger: logger.With("component", "maintenance"),
		cfg:    cfg,
		now:    utcNow,
	}
}

// RunOnce ensures the current and next month partitions, then purges one
// bounded batch of expired idempotency records.
func (w *MaintenanceWorker) RunOnce(ctx context.Context) error {
	now := w.now()
	monthStart, nextMonth := repository.MonthBounds(now)
	for _, t := range []time.Time{monthStart, nextMonth} {
		if err := w.store.Partitions().EnsurePartition(ctx, t); err != nil {
			return fmt.Errorf("ensure partition %s: %w", repository.PartitionName(repository.MessagesTable, t), err)
		}
	}

	purged, err := w.store.Idempotency().PurgeExpired(ctx, now, w.cfg.PurgeLimit)
	if err != nil {
		return fmt.Errorf("purge idempotency records: %w", err)
	}
	if purged > 0 {
		w.logger.InfoContext(ctx, "Purged expired idempotency records", "count", purged)
	}
	return nil
}

// Run executes RunOnce immediately and then on every interval.
func (w *MaintenanceWorker) Run(ctx context.Context) {
	w.logger.InfoContext(ctx, "Maintenance worker started", "interval", w.cfg.Interval)
	if err := w.RunOnce(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Maintenance pass failed", "error", err)
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Maintenance worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Maintenance pass failed", "error", err)
			}
		}
	}
}
