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

type pgChannelDirectory struct {
	q database.Querier
}

// NewPgChannelDirectory reads channels written by the channel service.
func NewPgChannelDirectory(q database.Querier) repository.ChannelDirectory {
	return &pgChannelDirectory{q: q}
}

func (r *pgChannelDirectory) Get(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) (*domain.Channel, error) {
	ch := &domain.Channel{}
	query := `
		SELECT id, tenant_id, phone_number, display_name, status, rate_limit_tier, access_token
		FROM channels
		WHERE id = $1 AND status <> 'deleted'
	`
	err := r.q.QueryRow(ctx, query, channelID).Scan(
		&ch.ID, &ch.TenantID, &ch.PhoneNumber, &ch.DisplayName, &ch.Status, &ch.RateLimitTier, &ch.AccessToken,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChannelNotFound
		}
		return nil, mapError(err)
	}
	if err := tenant.Authorize(scope, ch.TenantID); err != nil {
		return nil, err
	}
	return ch, nil
}
