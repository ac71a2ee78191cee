package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PartitionManager creates monthly range partitions of the messages table.
type PartitionManager struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

var _ repository.PartitionManager = (*PartitionManager)(nil)

func NewPartitionManager(pool *pgxpool.Pool, table string, logger *slog.Logger) *PartitionManager {
	return &PartitionManager{pool: pool, table: table, logger: logger, known: make(map[string]struct{})}
}

// EnsurePartition creates the partition for the month of forTime. Concurrent
// callers serialize on an advisory lock; the DDL itself is IF NOT EXISTS.
func (m *PartitionManager) EnsurePartition(ctx context.Context, forTime time.Time) error {
	name := repository.PartitionName(m.table, forTime)
	m.mu.Lock()
	_, seen := m.known[name]
	m.mu.Unlock()
	if seen {
		return nil
	}

	start, end := repository.MonthBounds(forTime)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{m.table}.Sanitize(),
		start.Format(time.RFC3339), end.Format(time.RFC3339))

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "partition:"+m.table); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, ddl)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure partition %s: %w", name, mapError(err))
	}

	m.mu.Lock()
	m.known[name] = struct{}{}
	m.mu.Unlock()
	m.logger.DebugContext(ctx, "Partition ensured", "partition", name, "from", start, "to", end)
	return nil
}
