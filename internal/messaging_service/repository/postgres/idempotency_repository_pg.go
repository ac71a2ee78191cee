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

type pgIdempotencyRepository struct {
	q database.Querier
}

// NewPgIdempotencyRepository creates the dedup ledger over q.
func NewPgIdempotencyRepository(q database.Querier) repository.IdempotencyRepository {
	return &pgIdempotencyRepository{q: q}
}

// Reserve relies on the primary key for atomicity. The insert runs in a
// savepoint so a conflict does not abort the caller's transaction.
func (r *pgIdempotencyRepository) Reserve(ctx context.Context, scope tenant.Scope, rec *domain.IdempotencyRecord) (domain.Reservation, error) {
	if err := tenant.ApplyOnInsert(scope, &rec.TenantID); err != nil {
		return domain.Reservation{}, err
	}

	inserted := true
	err := inTx(ctx, r.q, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO idempotency_records (tenant_id, endpoint, key, message_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.TenantID, rec.Endpoint, rec.Key, rec.MessageID, rec.CreatedAt, rec.ExpiresAt)
		if isUniqueViolation(err) {
			inserted = false
			return errDuplicateKey
		}
		return mapError(err)
	})
	if err != nil && !errors.Is(err, errDuplicateKey) {
		return domain.Reservation{}, err
	}
	if inserted {
		return domain.Reservation{Outcome: domain.ReservationNew}, nil
	}

	// An expired record no longer blocks; take it over.
	tag, err := r.q.Exec(ctx, `
		UPDATE idempotency_records
		SET message_id = $4, created_at = $5, expires_at = $6
		WHERE tenant_id = $1 AND endpoint = $2 AND key = $3 AND expires_at <= $5`,
		rec.TenantID, rec.Endpoint, rec.Key, rec.MessageID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return domain.Reservation{}, mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return domain.Reservation{Outcome: domain.ReservationNew}, nil
	}

	var linked uuid.NullUUID
	err = r.q.QueryRow(ctx, `
		SELECT message_id FROM idempotency_records
		WHERE tenant_id = $1 AND endpoint = $2 AND key = $3`,
		rec.TenantID, rec.Endpoint, rec.Key).Scan(&linked)
	if errors.Is(err, pgx.ErrNoRows) {
		// Purged between the conflict and this read; the caller retries.
		return domain.Reservation{}, domain.ErrStaleWrite
	}
	if err != nil {
		return domain.Reservation{}, mapError(err)
	}
	res := domain.Reservation{Outcome: domain.ReservationDuplicate}
	if linked.Valid {
		id := linked.UUID
		res.MessageID = &id
	}
	return res, nil
}

var errDuplicateKey = errors.New("idempotency key taken")

func (r *pgIdempotencyRepository) LinkMessage(ctx context.Context, scope tenant.Scope, endpoint, key string, messageID uuid.UUID) error {
	if !scope.Valid() {
		return tenant.ErrMissingScope
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE idempotency_records SET message_id = $4
		WHERE tenant_id = $1 AND endpoint = $2 AND key = $3`,
		scope.TenantID, endpoint, key, messageID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record %w", domain.ErrNotFound)
	}
	return nil
}

func (r *pgIdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE ctid IN (
			SELECT ctid FROM idempotency_records WHERE expires_at <= $1 LIMIT $2
		)`, now, sqlLimit(limit))
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}
