package postgres

import (
	"context"
	"fmt"

	"github.com/aradsms/messaging_core/internal/platform/database"
)

// schemaDDL creates the message core tables. Monthly partitions of messages
// are created on demand by the partition manager.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS channels (
    id              UUID PRIMARY KEY,
    tenant_id       UUID NOT NULL,
    phone_number    TEXT NOT NULL,
    display_name    TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'suspended', 'deleted')),
    rate_limit_tier TEXT NOT NULL DEFAULT 'standard',
    access_token    TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_channels_tenant ON channels (tenant_id);

CREATE TABLE IF NOT EXISTS messages (
    id                  UUID NOT NULL,
    tenant_id           UUID NOT NULL,
    channel_id          UUID NOT NULL,
    external_message_id TEXT,
    direction           TEXT NOT NULL CHECK (direction IN ('INBOUND', 'OUTBOUND')),
    from_phone          TEXT NOT NULL,
    to_phone            TEXT NOT NULL,
    message_type        TEXT NOT NULL,
    content             JSONB NOT NULL,
    content_hash        TEXT NOT NULL,
    metadata            JSONB,
    status              TEXT NOT NULL CHECK (status IN ('queued', 'sent', 'delivered', 'read', 'failed')),
    retry_count         INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    error_code          TEXT,
    error_message       TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    status_updated_at   TIMESTAMPTZ NOT NULL,
    sent_at             TIMESTAMPTZ,
    delivered_at        TIMESTAMPTZ,
    read_at             TIMESTAMPTZ,
    PRIMARY KEY (id, created_at)
) PARTITION BY RANGE (created_at);

CREATE INDEX IF NOT EXISTS idx_messages_id ON messages (id);
CREATE INDEX IF NOT EXISTS idx_messages_tenant_created ON messages (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages (tenant_id, channel_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_to ON messages (tenant_id, channel_id, to_phone, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_from ON messages (tenant_id, channel_id, from_phone, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_content_hash ON messages (content_hash);
CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages (channel_id, status)
    WHERE status NOT IN ('delivered', 'read');
CREATE INDEX IF NOT EXISTS idx_messages_failed ON messages (status_updated_at, retry_count)
    WHERE status = 'failed';

-- Provider ids must be unique across partitions, which a partitioned unique
-- index cannot express without the partition key.
CREATE TABLE IF NOT EXISTS message_external_ids (
    external_message_id TEXT PRIMARY KEY,
    message_id          UUID NOT NULL,
    tenant_id           UUID NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_external_ids_message ON message_external_ids (message_id);

CREATE TABLE IF NOT EXISTS idempotency_records (
    tenant_id  UUID NOT NULL,
    endpoint   TEXT NOT NULL,
    key        TEXT NOT NULL,
    message_id UUID,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, endpoint, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires ON idempotency_records (expires_at);

CREATE TABLE IF NOT EXISTS outbox_events (
    seq            BIGINT GENERATED ALWAYS AS IDENTITY,
    id             UUID PRIMARY KEY,
    tenant_id      UUID NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_id   UUID NOT NULL,
    event_type     TEXT NOT NULL,
    payload        JSONB NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    processed_at   TIMESTAMPTZ,
    attempts       INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events (occurred_at, seq)
    WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_events_aggregate_pending ON outbox_events (aggregate_id, seq)
    WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS dead_letter_records (
    id         UUID PRIMARY KEY,
    tenant_id  UUID NOT NULL,
    message_id UUID NOT NULL UNIQUE,
    reason     TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_records_tenant ON dead_letter_records (tenant_id, created_at DESC);
`

// EnsureSchema applies the DDL. It is idempotent.
func EnsureSchema(ctx context.Context, q database.Querier) error {
	if _, err := q.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply messaging schema: %w", mapError(err))
	}
	return nil
}
