package kafkabus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/aradsms/messaging_core/internal/messaging_service/app"
	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
	HeaderTenantID  = "tenant_id"
)

// EventSink writes outbox events to one topic keyed by aggregate id, so the
// events of one aggregate land on one partition in order.
type EventSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewEventSink(producer sarama.SyncProducer, topic string) *EventSink {
	return &EventSink{producer: producer, topic: topic}
}

func (s *EventSink) Name() string { return "kafka" }

func (s *EventSink) Publish(_ context.Context, ev *domain.OutboxEvent) error {
	data, err := app.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.AggregateID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventID), Value: []byte(ev.ID.String())},
			{Key: []byte(HeaderEventType), Value: []byte(ev.EventType)},
			{Key: []byte(HeaderTenantID), Value: []byte(ev.TenantID.String())},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka send to %s: %w", s.topic, err)
	}
	return nil
}
