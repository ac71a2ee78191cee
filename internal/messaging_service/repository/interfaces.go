package repository

import (
	"context"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

// ChannelDirectory is the read-only view of channels owned by the channel
// service.
type ChannelDirectory interface {
	// Get returns ErrChannelNotFound for unknown ids and ErrTenantMismatch for
	// channels owned by another tenant.
	Get(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) (*domain.Channel, error)
}

// WindowQuery selects messages exchanged with one counterpart.
type WindowQuery struct {
	ChannelID   uuid.UUID
	Counterpart string
	Start       time.Time
	End         time.Time
	Limit       int
}

// MessageRepository persists messages. Every method applies the tenant guard.
type MessageRepository interface {
	// Insert validates channel ownership and the row, then writes it into the
	// partition for CreatedAt.
	Insert(ctx context.Context, scope tenant.Scope, msg *domain.Message) (uuid.UUID, error)
	GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*domain.Message, error)
	GetByExternalID(ctx context.Context, scope tenant.Scope, externalID string) (*domain.Message, error)
	// UpdateStatus writes change only if the row still has change.From;
	// otherwise it returns ErrStaleWrite.
	UpdateStatus(ctx context.Context, scope tenant.Scope, change domain.StatusChange) error
	QueryRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, error)
	QueryWindow(ctx context.Context, scope tenant.Scope, q WindowQuery) ([]*domain.Message, error)

	// QueryFailedRetryCandidates is a cross-tenant maintenance scan ordered by
	// status_updated_at. Inside a transaction the returned rows are locked and
	// rows locked by other sweepers are skipped.
	QueryFailedRetryCandidates(ctx context.Context, policy domain.BackoffPolicy, now time.Time, limit int) ([]*domain.Message, error)
	// QueryDeadLetterCandidates returns exhausted FAILED messages that have no
	// dead-letter record yet.
	QueryDeadLetterCandidates(ctx context.Context, maxAttempts int, limit int) ([]*domain.Message, error)
}

// IdempotencyRepository is the dedup ledger.
type IdempotencyRepository interface {
	// Reserve inserts the record atomically; a uniqueness conflict with a live
	// record yields ReservationDuplicate.
	Reserve(ctx context.Context, scope tenant.Scope, rec *domain.IdempotencyRecord) (domain.Reservation, error)
	LinkMessage(ctx context.Context, scope tenant.Scope, endpoint, key string, messageID uuid.UUID) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// OutboxRepository stores pending integration events.
type OutboxRepository interface {
	Append(ctx context.Context, scope tenant.Scope, ev *domain.OutboxEvent) error
	// ClaimPending must run inside a transaction. It returns up to limit
	// pending events ordered by occurred_at, each locked for this consumer,
	// and never returns an event whose earlier pending sibling is held by
	// another consumer.
	ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// DeadLetterRepository stores quarantined message snapshots.
type DeadLetterRepository interface {
	// Insert returns ErrAlreadyDeadLettered when the message already has a record.
	Insert(ctx context.Context, scope tenant.Scope, rec *domain.DeadLetterRecord) error
	Exists(ctx context.Context, scope tenant.Scope, messageID uuid.UUID) (bool, error)
}

// PartitionManager provisions time partitions of the message table.
type PartitionManager interface {
	// EnsurePartition creates the partition covering forTime if it is absent.
	// It is idempotent and safe to call concurrently.
	EnsurePartition(ctx context.Context, forTime time.Time) error
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories interface {
	Channels() ChannelDirectory
	Messages() MessageRepository
	Idempotency() IdempotencyRepository
	Outbox() OutboxRepository
	DeadLetters() DeadLetterRepository
}

// Store is the transactional storage the message core runs against.
type Store interface {
	Repositories
	// WithinTx runs fn in one atomic unit; any error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx Repositories) error) error
	Partitions() PartitionManager
}
