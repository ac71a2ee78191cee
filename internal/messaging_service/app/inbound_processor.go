package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

// InboundReport is a message a provider received on a tenant channel.
type InboundReport struct {
	Provider          string         `json:"-"`
	TenantID          uuid.UUID      `json:"tenant_id"`
	ChannelID         uuid.UUID      `json:"channel_id"`
	From              string         `json:"from"`
	To                string         `json:"to,omitempty"`
	ExternalMessageID string         `json:"external_message_id"`
	MessageType       string         `json:"message_type"`
	Content           map[string]any `json:"content"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Ingester is the part of MessageService the inbound processor needs.
type Ingester interface {
	Ingest(ctx context.Context, scope tenant.Scope, req IngestRequest) (uuid.UUID, error)
}

// InboundProcessor records provider-received messages.
type InboundProcessor struct {
	ingester Ingester
	logger   *slog.Logger
	retry    transientRetry
}

func NewInboundProcessor(ingester Ingester, logger *slog.Logger) *InboundProcessor {
	return &InboundProcessor{
		ingester: ingester,
		logger:   logger.With("component", "inbound_processor"),
		retry:    defaultTransientRetry(),
	}
}

// Process ingests one report. A redelivered provider message is not an error.
func (p *InboundProcessor) Process(ctx context.Context, r InboundReport) error {
	scope, err := tenant.NewScope(r.TenantID)
	if err != nil {
		return err
	}
	if r.Metadata == nil && r.Provider != "" {
		r.Metadata = map[string]any{"provider": r.Provider}
	}
	id, err := p.ingester.Ingest(ctx, scope, IngestRequest{
		ChannelID:         r.ChannelID,
		FromPhone:         r.From,
		ToPhone:           r.To,
		MessageType:       domain.MessageType(r.MessageType),
		Content:           r.Content,
		Metadata:          r.Metadata,
		ExternalMessageID: r.ExternalMessageID,
	})
	if errors.Is(err, domain.ErrDuplicateExternalID) {
		p.logger.InfoContext(ctx, "Inbound message already recorded",
			"provider", r.Provider, "external_message_id", r.ExternalMessageID)
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Inbound message ingested", "message_id", id, "provider", r.Provider)
	return nil
}

// Run processes reports from in until ctx is done or in is closed.
func (p *InboundProcessor) Run(ctx context.Context, in <-chan InboundReport) {
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
				p.logger.ErrorContext(ctx, "Failed to process inbound message", "error", err,
					"provider", r.Provider, "external_message_id", r.ExternalMessageID, "error_tag", domain.ErrorTag(err))
			}
		}
	}
}
