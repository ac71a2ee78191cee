package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

// OutboxPublisher writes integration events in the caller's transaction.
type OutboxPublisher struct {
	policy domain.SnapshotPolicy
	now    func() time.Time
}

func NewOutboxPublisher(policy domain.SnapshotPolicy) *OutboxPublisher {
	if policy == nil {
		policy = domain.DefaultSnapshotPolicy()
	}
	return &OutboxPublisher{policy: policy, now: utcNow}
}

// Emit projects payload through the snapshot policy and appends the event
// using tx, so it commits or rolls back with the change it documents.
func (p *OutboxPublisher) Emit(
	ctx context.Context,
	tx repository.Repositories,
	scope tenant.Scope,
	aggregateType string,
	aggregateID uuid.UUID,
	eventType string,
	payload map[string]any,
) (*domain.OutboxEvent, error) {
	if !scope.Valid() {
		return nil, tenant.ErrMissingScope
	}
	ev := &domain.OutboxEvent{
		ID:            uuid.New(),
		TenantID:      scope.TenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       p.policy.Project(aggregateType, aggregateID, scope.TenantID, payload),
		OccurredAt:    p.now(),
	}
	if err := tx.Outbox().Append(ctx, scope, ev); err != nil {
		return nil, fmt.Errorf("append %s event: %w", eventType, err)
	}
	return ev, nil
}

// EmitMessage emits the full message row.
func (p *OutboxPublisher) EmitMessage(ctx context.Context, tx repository.Repositories, scope tenant.Scope, eventType string, m *domain.Message) error {
	_, err := p.Emit(ctx, tx, scope, domain.AggregateMessage, m.ID, eventType, m.Snapshot())
	return err
}

func utcNow() time.Time { return time.Now().UTC() }
