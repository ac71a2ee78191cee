package postgres

import (
	"context"
	"log/slog"

	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/platform/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements repository.Store over a pgx pool.
type Store struct {
	pool       *pgxpool.Pool
	partitions *PartitionManager
	logger     *slog.Logger
}

var _ repository.Store = (*Store)(nil)

// NewStore wires the repositories to pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		pool:       pool,
		partitions: NewPartitionManager(pool, repository.MessagesTable, logger),
		logger:     logger,
	}
}

// WithinTx runs fn in a transaction. The transaction commits only when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(repos{q: tx})
	})
	return mapError(err)
}

func (s *Store) Partitions() repository.PartitionManager { return s.partitions }

func (s *Store) Channels() repository.ChannelDirectory         { return repos{q: s.pool}.Channels() }
func (s *Store) Messages() repository.MessageRepository        { return repos{q: s.pool}.Messages() }
func (s *Store) Idempotency() repository.IdempotencyRepository { return repos{q: s.pool}.Idempotency() }
func (s *Store) Outbox() repository.OutboxRepository           { return repos{q: s.pool}.Outbox() }
func (s *Store) DeadLetters() repository.DeadLetterRepository  { return repos{q: s.pool}.DeadLetters() }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.pool.Ping(ctx))
}

// repos binds every repository to one Querier, the pool or a transaction.
type repos struct {
	q database.Querier
}

func (r repos) Channels() repository.ChannelDirectory         { return NewPgChannelDirectory(r.q) }
func (r repos) Messages() repository.MessageRepository        { return NewPgMessageRepository(r.q) }
func (r repos) Idempotency() repository.IdempotencyRepository { return NewPgIdempotencyRepository(r.q) }
func (r repos) Outbox() repository.OutboxRepository           { return NewPgOutboxRepository(r.q) }
func (r repos) DeadLetters() repository.DeadLetterRepository  { return NewPgDeadLetterRepository(r.q) }

// inTx runs fn inside a nested unit on q: a savepoint when q is already a
// transaction, a fresh transaction otherwise.
func inTx(ctx context.Context, q database.Querier, fn func(tx pgx.Tx) error) error {
	tx, err := q.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return mapError(tx.Commit(ctx))
}
