package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

// ReasonRetriesExhausted is recorded on dead letters written by the sweep.
const ReasonRetriesExhausted = "retry attempts exhausted"

// SchedulerConfig tunes the retry scheduler.
type SchedulerConfig struct {
	Policy        domain.BackoffPolicy
	SweepInterval time.Duration
	BatchSize     int
	MaxBatches    int
}

// RetryScheduler re-queues failed messages with exponential backoff and
// quarantines them once attempts are exhausted.
type RetryScheduler struct {
	store  repository.Store
	outbox *OutboxPublisher
	cache  WindowCache
	logger *slog.Logger
	cfg    SchedulerConfig
	now    func() time.Time
}

// NewRetryScheduler builds the scheduler. cache may be nil.
func NewRetryScheduler(store repository.Store, outbox *OutboxPublisher, cache WindowCache, logger *slog.Logger, cfg SchedulerConfig) *RetryScheduler {
	cfg.Policy = cfg.Policy.WithDefaults()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	return &RetryScheduler{
		store:  store,
		outbox: outbox,
		cache:  cache,
		logger: logger.With("component", "retry_scheduler"),
		cfg:    cfg,
		now:    utcNow,
	}
}

// RetryNow re-queues one FAILED message if its backoff has elapsed.
func (s *RetryScheduler) RetryNow(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	var channelID uuid.UUID
	err := s.store.WithinTx(ctx, func(tx repository.Repositories) error {
		m, err := tx.Messages().GetByID(ctx, scope, id)
		if err != nil {
			return err
		}
		quarantined, err := tx.DeadLetters().Exists(ctx, scope, id)
		if err != nil {
			return err
		}
		if quarantined {
			return domain.ErrAlreadyDeadLettered
		}
		now := s.now()
		if !s.cfg.Policy.Eligible(m, now) {
			return fmt.Errorf("%w: status=%s retry_count=%d next_attempt_at=%s", domain.ErrNotEligible,
				m.Status, m.RetryCount, s.cfg.Policy.NextAttemptAt(m).Format(time.RFC3339))
		}
		channelID = m.ChannelID
		return s.requeue(ctx, tx, scope, m, now)
	})
	if err != nil {
		return err
	}
	invalidateWindow(ctx, s.cache, s.logger, scope, channelID)
	return nil
}

func (s *RetryScheduler) requeue(ctx context.Context, tx repository.Repositories, scope tenant.Scope, m *domain.Message, now time.Time) error {
	change, _, err := domain.PlanTransition(m, domain.StatusQueued, nil, nil, now, true)
	if err != nil {
		return err
	}
	if err := tx.Messages().UpdateStatus(ctx, scope, change); err != nil {
		return err
	}
	m.Apply(change)
	if err := s.outbox.EmitMessage(ctx, tx, scope, domain.EventMessageChanged, m); err != nil {
		return err
	}
	retryRequeuedCounter.Inc()
	statusTransitionsCounter.WithLabelValues(string(change.From), string(change.To), "applied").Inc()
	return nil
}

// MoveToDeadLetter quarantines an exhausted FAILED message. The message keeps
// its FAILED status.
func (s *RetryScheduler) MoveToDeadLetter(ctx context.Context, scope tenant.Scope, id uuid.UUID, reason string) error {
	var channelID uuid.UUID
	err := s.store.WithinTx(ctx, func(tx repository.Repositories) error {
		m, err := tx.Messages().GetByID(ctx, scope, id)
		if err != nil {
			return err
		}
		if !s.cfg.Policy.Exhausted(m) {
			return fmt.Errorf("%w: status=%s retry_count=%d max_attempts=%d", domain.ErrNotEligible,
				m.Status, m.RetryCount, s.cfg.Policy.MaxAttempts)
		}
		channelID = m.ChannelID
		return s.quarantine(ctx, tx, scope, m, reason)
	})
	if err != nil {
		return err
	}
	invalidateWindow(ctx, s.cache, s.logger, scope, channelID)
	return nil
}

func (s *RetryScheduler) quarantine(ctx context.Context, tx repository.Repositories, scope tenant.Scope, m *domain.Message, reason string) error {
	if reason == "" {
		reason = ReasonRetriesExhausted
	}
	// a concurrent requeue makes this write stale
	if err := tx.Messages().UpdateStatus(ctx, scope, m.CurrentState()); err != nil {
		return err
	}
	snapshot := m.Snapshot()
	rec := &domain.DeadLetterRecord{
		TenantID:  m.TenantID,
		MessageID: m.ID,
		Reason:    reason,
		Payload:   snapshot,
		CreatedAt: s.now(),
	}
	if err := tx.DeadLetters().Insert(ctx, scope, rec); err != nil {
		return err
	}
	payload := m.Snapshot()
	payload["dead_letter_reason"] = reason
	if _, err := s.outbox.Emit(ctx, tx, scope, domain.AggregateMessage, m.ID, domain.EventMessageDeadLettered, payload); err != nil {
		return err
	}
	deadLetteredCounter.Inc()
	return nil
}

// RetrySweep re-queues eligible messages across tenants in bounded batches.
// Cancellation is observed between batches.
func (s *RetryScheduler) RetrySweep(ctx context.Context) (int, error) {
	return s.sweep(ctx, "retry", func(ctx context.Context, tx repository.Repositories, now time.Time) ([]*domain.Message, int, error) {
		candidates, err := tx.Messages().QueryFailedRetryCandidates(ctx, s.cfg.Policy, now, s.cfg.BatchSize)
		if err != nil {
			return nil, 0, err
		}
		var done []*domain.Message
		for _, m := range candidates {
			err := s.requeue(ctx, tx, tenant.Scope{TenantID: m.TenantID}, m, now)
			if err == nil {
				done = append(done, m)
				continue
			}
			if !skippableCandidateError(err) {
				return nil, len(candidates), fmt.Errorf("requeue message %s: %w", m.ID, err)
			}
			s.logger.WarnContext(ctx, "Skipping retry candidate", "error", err, "message_id", m.ID, "tenant_id", m.TenantID)
		}
		return done, len(candidates), nil
	})
}

// DeadLetterSweep quarantines exhausted messages in bounded batches.
func (s *RetryScheduler) DeadLetterSweep(ctx context.Context) (int, error) {
	return s.sweep(ctx, "dead_letter", func(ctx context.Context, tx repository.Repositories, _ time.Time) ([]*domain.Message, int, error) {
		candidates, err := tx.Messages().QueryDeadLetterCandidates(ctx, s.cfg.Policy.MaxAttempts, s.cfg.BatchSize)
		if err != nil {
			return nil, 0, err
		}
		var done []*domain.Message
		for _, m := range candidates {
			err := s.quarantine(ctx, tx, tenant.Scope{TenantID: m.TenantID}, m, ReasonRetriesExhausted)
			if err == nil {
				done = append(done, m)
				continue
			}
			if !skippableCandidateError(err) {
				return nil, len(candidates), fmt.Errorf("dead-letter message %s: %w", m.ID, err)
			}
			s.logger.WarnContext(ctx, "Skipping dead-letter candidate", "error", err, "message_id", m.ID, "tenant_id", m.TenantID)
		}
		return done, len(candidates), nil
	})
}

// skippableCandidateError reports whether err concerns only the candidate
// row. Such errors leave the transaction usable; anything else may have
// aborted it on Postgres, so the batch is abandoned.
func skippableCandidateError(err error) bool {
	return errors.Is(err, domain.ErrStaleWrite) ||
		errors.Is(err, domain.ErrIllegalTransition) ||
		errors.Is(err, domain.ErrAlreadyDeadLettered) ||
		errors.Is(err, domain.ErrNotEligible)
}

// batchFunc processes one batch inside a transaction and returns the
// messages it changed and the number of candidates fetched.
type batchFunc func(ctx context.Context, tx repository.Repositories, now time.Time) ([]*domain.Message, int, error)

func (s *RetryScheduler) sweep(ctx context.Context, name string, batch batchFunc) (int, error) {
	timer := time.Now()
	defer func() { sweepDurationHist.WithLabelValues(name).Observe(time.Since(timer).Seconds()) }()

	total := 0
	for i := 0; i < s.cfg.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var (
			processed []*domain.Message
			fetched   int
		)
		err := s.store.WithinTx(ctx, func(tx repository.Repositories) error {
			var err error
			processed, fetched, err = batch(ctx, tx, s.now())
			return err
		})
		if err != nil {
			return total, fmt.Errorf("%s sweep batch %d: %w", name, i+1, err)
		}
		for _, m := range processed {
			invalidateWindow(ctx, s.cache, s.logger, tenant.Scope{TenantID: m.TenantID}, m.ChannelID)
		}
		total += len(processed)
		if fetched < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "Sweep finished", "sweep", name, "processed", total)
	}
	return total, nil
}

// Run ticks both sweeps until ctx is cancelled.
func (s *RetryScheduler) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "Retry scheduler started", "interval", s.cfg.SweepInterval,
		"max_attempts", s.cfg.Policy.MaxAttempts, "base_delay", s.cfg.Policy.BaseDelay)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Retry scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RetrySweep(ctx); err != nil {
				s.logSweepError(ctx, "retry", err)
			}
			if _, err := s.DeadLetterSweep(ctx); err != nil {
				s.logSweepError(ctx, "dead_letter", err)
			}
		}
	}
}

func (s *RetryScheduler) logSweepError(ctx context.Context, sweep string, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case errors.Is(err, domain.ErrStorageUnavailable):
		s.logger.WarnContext(ctx, "Storage unavailable, sweep retries next tick", "sweep", sweep, "error", err)
	default:
		s.logger.ErrorContext(ctx, "Sweep failed", "sweep", sweep, "error", err)
	}
}
