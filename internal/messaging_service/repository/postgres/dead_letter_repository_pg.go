package postgres

import (
	"context"
	"errors"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/aradsms/messaging_core/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgDeadLetterRepository struct {
	q database.Querier
}

// NewPgDeadLetterRepository creates the dead-letter repository over q.
func NewPgDeadLetterRepository(q database.Querier) repository.DeadLetterRepository {
	return &pgDeadLetterRepository{q: q}
}

func (r *pgDeadLetterRepository) Insert(ctx context.Context, scope tenant.Scope, rec *domain.DeadLetterRecord) error {
	if err := tenant.ApplyOnInsert(scope, &rec.TenantID); err != nil {
		return err
	}
	var owner uuid.UUID
	err := r.q.QueryRow(ctx, `SELECT tenant_id FROM messages WHERE id = $1`, rec.MessageID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return mapError(err)
	}
	if owner != rec.TenantID {
		return domain.ErrTenantMismatch
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return inTx(ctx, r.q, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO dead_letter_records (id, tenant_id, message_id, reason, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, rec.TenantID, rec.MessageID, rec.Reason, payload, rec.CreatedAt)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyDeadLettered
		}
		return mapError(err)
	})
}

func (r *pgDeadLetterRepository) Exists(ctx context.Context, scope tenant.Scope, messageID uuid.UUID) (bool, error) {
	var owner uuid.UUID
	err := r.q.QueryRow(ctx, `SELECT tenant_id FROM dead_letter_records WHERE message_id = $1`, messageID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	if err := tenant.Authorize(scope, owner); err != nil {
		return false, err
	}
	return true, nil
}
