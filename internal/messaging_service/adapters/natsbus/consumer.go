package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aradsms/messaging_core/internal/messaging_service/app"
	"github.com/nats-io/nats.go"
)

const (
	// DLRSubject carries provider delivery reports, one token per provider.
	DLRSubject = "dlr.raw.*"
	// InboundSubject carries messages providers received for a channel.
	InboundSubject = "sms.incoming.raw.*"
)

// Subscriber is the part of messagebroker.NATSClient the consumers need.
type Subscriber interface {
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) error
}

// providerFromSubject returns the token following prefix, e.g. "twilio" for
// "dlr.raw.twilio" and prefix ["dlr", "raw"].
func providerFromSubject(subject string, prefix ...string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != len(prefix)+1 {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	for i, p := range prefix {
		if parts[i] != p {
			return "", fmt.Errorf("unexpected subject %q", subject)
		}
	}
	provider := parts[len(prefix)]
	if provider == "" || provider == "*" || provider == ">" {
		return "", fmt.Errorf("no provider in subject %q", subject)
	}
	return provider, nil
}

// DLRConsumer decodes delivery reports and hands them to the processor
// through out.
type DLRConsumer struct {
	sub    Subscriber
	logger *slog.Logger
	out    chan<- app.DeliveryReport
}

func NewDLRConsumer(sub Subscriber, logger *slog.Logger, out chan<- app.DeliveryReport) *DLRConsumer {
	return &DLRConsumer{sub: sub, logger: logger.With("component", "dlr_consumer"), out: out}
}

// StartConsuming blocks until ctx is cancelled.
func (c *DLRConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting NATS DLR subscription", "subject", subject, "queue_group", queueGroup)
	return c.sub.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
}

func (c *DLRConsumer) handle(ctx context.Context, msg *nats.Msg) {
	provider, err := providerFromSubject(msg.Subject, "dlr", "raw")
	if err != nil {
		c.logger.ErrorContext(ctx, "Invalid DLR subject", "error", err)
		return
	}
	var report app.DeliveryReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode DLR message", "error", err, "subject", msg.Subject, "data", string(msg.Data))
		return
	}
	report.Provider = provider

	select {
	case c.out <- report:
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "Context cancelled, dropping DLR", "provider", provider, "external_message_id", report.ExternalMessageID)
	}
}

// InboundConsumer decodes provider-received messages.
type InboundConsumer struct {
	sub    Subscriber
	logger *slog.Logger
	out    chan<- app.InboundReport
}

func NewInboundConsumer(sub Subscriber, logger *slog.Logger, out chan<- app.InboundReport) *InboundConsumer {
	return &InboundConsumer{sub: sub, logger: logger.With("component", "inbound_consumer"), out: out}
}

// StartConsuming blocks until ctx is cancelled.
func (c *InboundConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting NATS inbound subscription", "subject", subject, "queue_group", queueGroup)
	return c.sub.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
}

func (c *InboundConsumer) handle(ctx context.Context, msg *nats.Msg) {
	provider, err := providerFromSubject(msg.Subject, "sms", "incoming", "raw")
	if err != nil {
		c.logger.ErrorContext(ctx, "Invalid inbound subject", "error", err)
		return
	}
	var report app.InboundReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode inbound message", "error", err, "subject", msg.Subject, "data", string(msg.Data))
		return
	}
	report.Provider = provider

	select {
	case c.out <- report:
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "Context cancelled, dropping inbound message", "provider", provider, "external_message_id", report.ExternalMessageID)
	}
}
