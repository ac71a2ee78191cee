package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/google/uuid"
)

// EventSink delivers one event to the bus. Implementations must be safe to
// call again with the same event.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev *domain.OutboxEvent) error
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// OutboxRelay moves pending outbox rows to an EventSink.
type OutboxRelay struct {
	store  repository.Store
	sink   EventSink
	logger *slog.Logger
	cfg    RelayConfig
	now    func() time.Time
}

func NewOutboxRelay(store repository.Store, sink EventSink, logger *slog.Logger, cfg RelayConfig) *OutboxRelay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &OutboxRelay{
		store:  store,
		sink:   sink,
		logger: logger.With("component", "outbox_relay", "sink", sink.Name()),
		cfg:    cfg,
		now:    utcNow,
	}
}

// RelayOnce claims one batch, publishes it in order and records the outcome
// of every event. It returns how many events were published.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.store.WithinTx(ctx, func(tx repository.Repositories) error {
		published = 0
		events, err := tx.Outbox().ClaimPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim outbox batch: %w", err)
		}

		halted := make(map[uuid.UUID]bool)
		for _, ev := range events {
			if halted[ev.AggregateID] {
				continue
			}
			if err := r.sink.Publish(ctx, ev); err != nil {
				halted[ev.AggregateID] = true
				outboxPublishedCounter.WithLabelValues(r.sink.Name(), "error").Inc()
				r.logger.WarnContext(ctx, "Failed to publish outbox event",
					"error", err, "event_id", ev.ID, "aggregate_id", ev.AggregateID, "event_type", ev.EventType)
				if err := tx.Outbox().MarkFailed(ctx, ev.ID, err.Error()); err != nil {
					return fmt.Errorf("mark event %s failed: %w", ev.ID, err)
				}
				continue
			}
			if err := tx.Outbox().MarkProcessed(ctx, ev.ID, r.now()); err != nil {
				return fmt.Errorf("mark event %s processed: %w", ev.ID, err)
			}
			outboxPublishedCounter.WithLabelValues(r.sink.Name(), "success").Inc()
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

// Run polls until ctx is cancelled. Storage errors are retried on the next tick.
func (r *OutboxRelay) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "Outbox relay started", "interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Outbox relay stopped")
			return
		case <-ticker.C:
			// drain while full batches keep coming
			for ctx.Err() == nil {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if errors.Is(err, domain.ErrStorageUnavailable) {
						r.logger.WarnContext(ctx, "Storage unavailable, relay retries next tick", "error", err)
					} else if ctx.Err() == nil {
						r.logger.ErrorContext(ctx, "Outbox relay pass failed", "error", err)
					}
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}
