package natsbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/aradsms/messaging_core/internal/messaging_service/app"
	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
)

// Publisher is the part of messagebroker.NATSClient the sink needs.
type Publisher interface {
	PublishMsgID(ctx context.Context, subject, msgID string, data []byte) error
}

// EventSink publishes outbox events to <prefix>.<aggregate_type>.<event_type>.
// The event id travels as Nats-Msg-Id so JetStream drops relay replays.
type EventSink struct {
	pub    Publisher
	prefix string
}

func NewEventSink(pub Publisher, subjectPrefix string) *EventSink {
	return &EventSink{pub: pub, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

func (s *EventSink) Name() string { return "nats" }

// Subject is the subject ev is published on.
func (s *EventSink) Subject(ev *domain.OutboxEvent) string {
	return s.prefix + "." + ev.AggregateType + "." + ev.EventType
}

// SubjectFilter matches every subject the sink publishes on.
func (s *EventSink) SubjectFilter() string { return s.prefix + ".>" }

func (s *EventSink) Publish(ctx context.Context, ev *domain.OutboxEvent) error {
	data, err := app.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return s.pub.PublishMsgID(ctx, s.Subject(ev), ev.ID.String(), data)
}
