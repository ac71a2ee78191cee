package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/aradsms/messaging_core/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgOutboxRepository struct {
	q database.Querier
}

// NewPgOutboxRepository creates the outbox repository over q.
func NewPgOutboxRepository(q database.Querier) repository.OutboxRepository {
	return &pgOutboxRepository{q: q}
}

func (r *pgOutboxRepository) Append(ctx context.Context, scope tenant.Scope, ev *domain.OutboxEvent) error {
	if err := tenant.ApplyOnInsert(scope, &ev.TenantID); err != nil {
		return err
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	query := `
		INSERT INTO outbox_events (id, tenant_id, aggregate_type, aggregate_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	err := r.q.QueryRow(ctx, query,
		ev.ID, ev.TenantID, ev.AggregateType, ev.AggregateID, ev.EventType, payload, ev.OccurredAt,
	).Scan(&ev.Seq)
	return mapError(err)
}

// ClaimPending locks a batch with SKIP LOCKED. An event is held back while an
// earlier pending event of the same aggregate is outside the batch, whether
// another relay holds it or the batch limit cut it off.
func (r *pgOutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	if _, ok := r.q.(pgx.Tx); !ok {
		return nil, errors.New("ClaimPending requires a transaction")
	}
	query := `
		WITH claimed AS (
			SELECT id
			FROM outbox_events
			WHERE processed_at IS NULL
			ORDER BY occurred_at, seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		SELECT e.id, e.seq, e.tenant_id, e.aggregate_type, e.aggregate_id, e.event_type,
		       e.payload, e.occurred_at, e.processed_at, e.attempts, e.last_error
		FROM outbox_events e
		JOIN claimed c ON c.id = e.id
		WHERE NOT EXISTS (
			SELECT 1 FROM outbox_events p
			WHERE p.aggregate_id = e.aggregate_id
			  AND p.processed_at IS NULL
			  AND p.seq < e.seq
			  AND p.id NOT IN (SELECT id FROM claimed)
		)
		ORDER BY e.seq
	`
	rows, err := r.q.Query(ctx, query, sqlLimit(limit))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		ev := &domain.OutboxEvent{}
		if err := rows.Scan(
			&ev.ID, &ev.Seq, &ev.TenantID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&ev.Payload, &ev.OccurredAt, &ev.ProcessedAt, &ev.Attempts, &ev.LastError,
		); err != nil {
			return nil, mapError(err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (r *pgOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE outbox_events SET processed_at = $2, attempts = attempts + 1 WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %w", domain.ErrNotFound)
	}
	return nil
}

func (r *pgOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE outbox_events SET last_error = $2, attempts = attempts + 1 WHERE id = $1`, id, reason)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %w", domain.ErrNotFound)
	}
	return nil
}
