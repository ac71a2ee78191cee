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

const messageColumns = `
	id, tenant_id, channel_id, external_message_id, direction, from_phone, to_phone,
	message_type, content, content_hash, metadata, status, retry_count, error_code,
	error_message, created_at, status_updated_at, sent_at, delivered_at, read_at`

type pgMessageRepository struct {
	q database.Querier
}

// NewPgMessageRepository creates a message repository over q.
func NewPgMessageRepository(q database.Querier) repository.MessageRepository {
	return &pgMessageRepository{q: q}
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	m := &domain.Message{}
	err := row.Scan(
		&m.ID, &m.TenantID, &m.ChannelID, &m.ExternalMessageID, &m.Direction, &m.FromPhone, &m.ToPhone,
		&m.MessageType, &m.Content, &m.ContentHash, &m.Metadata, &m.Status, &m.RetryCount, &m.ErrorCode,
		&m.ErrorMessage, &m.CreatedAt, &m.StatusUpdatedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// nullableJSON keeps empty documents as SQL NULL instead of JSON null.
func nullableJSON(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func (r *pgMessageRepository) Insert(ctx context.Context, scope tenant.Scope, msg *domain.Message) (uuid.UUID, error) {
	if err := tenant.ApplyOnInsert(scope, &msg.TenantID); err != nil {
		return uuid.Nil, err
	}
	if err := msg.Validate(); err != nil {
		return uuid.Nil, err
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	err := inTx(ctx, r.q, func(tx pgx.Tx) error {
		var (
			channelTenant uuid.UUID
			channelStatus domain.ChannelStatus
		)
		err := tx.QueryRow(ctx, `SELECT tenant_id, status FROM channels WHERE id = $1 FOR SHARE`, msg.ChannelID).
			Scan(&channelTenant, &channelStatus)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && channelStatus == domain.ChannelDeleted) {
			return domain.ErrChannelNotFound
		}
		if err != nil {
			return mapError(err)
		}
		if channelTenant != msg.TenantID {
			return domain.ErrTenantMismatch
		}

		if msg.ExternalMessageID != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO message_external_ids (external_message_id, message_id, tenant_id, created_at)
				VALUES ($1, $2, $3, $4)`,
				*msg.ExternalMessageID, msg.ID, msg.TenantID, msg.CreatedAt)
			if isUniqueViolation(err) {
				return domain.ErrDuplicateExternalID
			}
			if err != nil {
				return mapError(err)
			}
		}

		query := `INSERT INTO messages (` + messageColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`
		_, err = tx.Exec(ctx, query,
			msg.ID, msg.TenantID, msg.ChannelID, msg.ExternalMessageID, msg.Direction, msg.FromPhone, msg.ToPhone,
			msg.MessageType, msg.Content, msg.ContentHash, nullableJSON(msg.Metadata), msg.Status, msg.RetryCount, msg.ErrorCode,
			msg.ErrorMessage, msg.CreatedAt, msg.StatusUpdatedAt, msg.SentAt, msg.DeliveredAt, msg.ReadAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s already exists: %w", msg.ID, err)
		}
		return mapError(err)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

func (r *pgMessageRepository) GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*domain.Message, error) {
	m, err := scanMessage(r.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	return authorizedMessage(scope, m, err)
}

func (r *pgMessageRepository) GetByExternalID(ctx context.Context, scope tenant.Scope, externalID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE id = (SELECT message_id FROM message_external_ids WHERE external_message_id = $1)`
	m, err := scanMessage(r.q.QueryRow(ctx, query, externalID))
	return authorizedMessage(scope, m, err)
}

func authorizedMessage(scope tenant.Scope, m *domain.Message, err error) (*domain.Message, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, mapError(err)
	}
	if err := tenant.Authorize(scope, m.TenantID); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *pgMessageRepository) UpdateStatus(ctx context.Context, scope tenant.Scope, change domain.StatusChange) error {
	if !scope.Valid() {
		return tenant.ErrMissingScope
	}
	query := `
		UPDATE messages
		SET status = $4, status_updated_at = $5, retry_count = $6, error_code = $7, error_message = $8,
		    sent_at = $9, delivered_at = $10, read_at = $11
		WHERE id = $1 AND tenant_id = $2 AND status = $3
	`
	tag, err := r.q.Exec(ctx, query,
		change.MessageID, scope.TenantID, change.From, change.To, change.At, change.RetryCount,
		change.ErrorCode, change.ErrorMessage, change.SentAt, change.DeliveredAt, change.ReadAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing matched: tell apart a missing row, a foreign row and a lost race.
	var owner uuid.UUID
	err = r.q.QueryRow(ctx, `SELECT tenant_id FROM messages WHERE id = $1`, change.MessageID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return mapError(err)
	}
	if err := tenant.Authorize(scope, owner); err != nil {
		return err
	}
	return domain.ErrStaleWrite
}

func (r *pgMessageRepository) QueryRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, error) {
	if !scope.Valid() {
		return nil, tenant.ErrMissingScope
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE tenant_id = $1 AND channel_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`
	rows, err := r.q.Query(ctx, query, scope.TenantID, channelID, sqlLimit(limit))
	if err != nil {
		return nil, mapError(err)
	}
	return collectMessages(rows)
}

func (r *pgMessageRepository) QueryWindow(ctx context.Context, scope tenant.Scope, wq repository.WindowQuery) ([]*domain.Message, error) {
	if !scope.Valid() {
		return nil, tenant.ErrMissingScope
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE tenant_id = $1 AND channel_id = $2
		  AND (to_phone = $3 OR from_phone = $3)
		  AND created_at BETWEEN $4 AND $5
		ORDER BY created_at DESC, id DESC
		LIMIT $6`
	rows, err := r.q.Query(ctx, query, scope.TenantID, wq.ChannelID, wq.Counterpart, wq.Start, wq.End, sqlLimit(wq.Limit))
	if err != nil {
		return nil, mapError(err)
	}
	return collectMessages(rows)
}

func (r *pgMessageRepository) QueryFailedRetryCandidates(ctx context.Context, policy domain.BackoffPolicy, now time.Time, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
		WHERE status = 'failed'
		  AND retry_count < $1
		  AND status_updated_at + make_interval(secs => $2::double precision * power(2, LEAST(retry_count, 30))) <= $3
		  AND NOT EXISTS (SELECT 1 FROM dead_letter_records d WHERE d.message_id = m.id)
		ORDER BY status_updated_at ASC, id ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`
	rows, err := r.q.Query(ctx, query, policy.MaxAttempts, policy.BaseDelay.Seconds(), now, sqlLimit(limit))
	if err != nil {
		return nil, mapError(err)
	}
	return collectMessages(rows)
}

func (r *pgMessageRepository) QueryDeadLetterCandidates(ctx context.Context, maxAttempts int, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
		WHERE status = 'failed'
		  AND retry_count >= $1
		  AND NOT EXISTS (SELECT 1 FROM dead_letter_records d WHERE d.message_id = m.id)
		ORDER BY status_updated_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := r.q.Query(ctx, query, maxAttempts, sqlLimit(limit))
	if err != nil {
		return nil, mapError(err)
	}
	return collectMessages(rows)
}

// sqlLimit maps a non-positive limit to LIMIT ALL.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
