package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	AggregateMessage = "message"
	AggregateChannel = "channel"

	EventMessageCreated      = "MessageCreated"
	EventMessageChanged      = "MessageChanged"
	EventMessageDeadLettered = "MessageDeadLettered"
)

// OutboxEvent is written in the same transaction as the change it documents.
type OutboxEvent struct {
	ID            uuid.UUID
	Seq           int64
	TenantID      uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	OccurredAt    time.Time
	ProcessedAt   *time.Time
	Attempts      int
	LastError     *string
}

func (e *OutboxEvent) Pending() bool { return e.ProcessedAt == nil }

// SnapshotPolicy lists, per aggregate type, the payload fields allowed into
// an event. Message aggregates are emitted in full.
type SnapshotPolicy map[string][]string

// DefaultSnapshotPolicy keeps secrets such as channel access tokens out of events.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{
		AggregateChannel: {"id", "tenant_id", "phone_number", "display_name", "status", "rate_limit_tier"},
	}
}

// Project returns the payload that may leave the process for aggregateType.
func (p SnapshotPolicy) Project(aggregateType string, aggregateID, tenantID uuid.UUID, payload map[string]any) map[string]any {
	if aggregateType == AggregateMessage {
		return payload
	}
	out := map[string]any{
		"id":        aggregateID.String(),
		"tenant_id": tenantID.String(),
	}
	for _, field := range p[aggregateType] {
		if v, ok := payload[field]; ok && field != "id" && field != "tenant_id" {
			out[field] = v
		}
	}
	return out
}
