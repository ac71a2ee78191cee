package app

import (
	"encoding/json"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/google/uuid"
)

// EventEnvelope is the wire form of an outbox event on every sink.
// Consumers dedupe on ID.
type EventEnvelope struct {
	ID            uuid.UUID      `json:"id"`
	Seq           int64          `json:"seq"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   uuid.UUID      `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload"`
}

// EncodeEvent marshals ev into its envelope.
func EncodeEvent(ev *domain.OutboxEvent) ([]byte, error) {
	return json.Marshal(EventEnvelope{
		ID:            ev.ID,
		Seq:           ev.Seq,
		TenantID:      ev.TenantID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		OccurredAt:    ev.OccurredAt.UTC(),
		Payload:       ev.Payload,
	})
}
