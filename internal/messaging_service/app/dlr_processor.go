package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

// DeliveryReport is a provider status callback addressed by the provider's
// message id.
type DeliveryReport struct {
	Provider          string    `json:"-"`
	TenantID          uuid.UUID `json:"tenant_id"`
	ExternalMessageID string    `json:"external_message_id"`
	Status            string    `json:"status"`
	ErrorCode         *string   `json:"error_code,omitempty"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
}

// StatusUpdater is the part of MessageService the DLR processor needs.
type StatusUpdater interface {
	UpdateStatusByExternalID(ctx context.Context, scope tenant.Scope, externalID string, to domain.Status, errorCode, errorMessage *string) error
}

const (
	transientAttempts  = 5
	transientBaseDelay = 200 * time.Millisecond
)

// transientRetry re-runs fn while it fails with a storage outage or an
// exhausted stale write. The subscription does not redeliver, so a report
// given up on here is lost.
type transientRetry struct {
	attempts  int
	baseDelay time.Duration
}

func defaultTransientRetry() transientRetry {
	return transientRetry{attempts: transientAttempts, baseDelay: transientBaseDelay}
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, domain.ErrStaleWrite)
}

func (r transientRetry) do(ctx context.Context, fn func() error) error {
	delay := r.baseDelay
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(); err == nil || !isTransient(err) || attempt == r.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// DLRProcessor applies delivery reports to the message lifecycle.
type DLRProcessor struct {
	updater StatusUpdater
	logger  *slog.Logger
	retry   transientRetry
}

func NewDLRProcessor(updater StatusUpdater, logger *slog.Logger) *DLRProcessor {
	return &DLRProcessor{
		updater: updater,
		logger:  logger.With("component", "dlr_processor"),
		retry:   defaultTransientRetry(),
	}
}

// Process applies one report. Out-of-order callbacks that the lifecycle
// rejects are logged and dropped; every other failure is returned.
func (p *DLRProcessor) Process(ctx context.Context, r DeliveryReport) error {
	scope, err := tenant.NewScope(r.TenantID)
	if err != nil {
		return err
	}
	status, err := domain.ProviderStatus(r.Status)
	if err != nil {
		return err
	}

	err = p.updater.UpdateStatusByExternalID(ctx, scope, r.ExternalMessageID, status, r.ErrorCode, r.ErrorMessage)
	if errors.Is(err, domain.ErrIllegalTransition) {
		p.logger.WarnContext(ctx, "Dropping out-of-order delivery report",
			"error", err, "provider", r.Provider, "external_message_id", r.ExternalMessageID, "status", r.Status)
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "Delivery report applied",
		"provider", r.Provider, "external_message_id", r.ExternalMessageID, "status", status)
	return nil
}

// Run processes reports from in until ctx is done or in is closed.
func (p *DLRProcessor) Run(ctx context.Context, in <-chan DeliveryReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-in:
			if !ok {
				return
			}
			err := p.retry.do(ctx, func() error { return p.Process(ctx, r) })
			if err != nil {
				p.logger.ErrorContext(ctx, "Failed to process delivery report", "error", err,
					"provider", r.Provider, "external_message_id", r.ExternalMessageID, "error_tag", domain.ErrorTag(err))
			}
		}
	}
}
