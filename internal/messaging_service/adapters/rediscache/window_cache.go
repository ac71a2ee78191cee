// Package rediscache keeps the newest-messages view of a channel in Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "messaging:window"

// WindowCache stores one hash per tenant and channel with a field per
// requested limit, so a write to the channel drops every cached page at once.
type WindowCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewWindowCache(client *redis.Client, ttl time.Duration) *WindowCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &WindowCache{client: client, ttl: ttl}
}

func windowKey(scope tenant.Scope, channelID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope.TenantID, channelID)
}

func (c *WindowCache) GetRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, bool, error) {
	if !scope.Valid() {
		return nil, false, tenant.ErrMissingScope
	}
	raw, err := c.client.HGet(ctx, windowKey(scope, channelID), strconv.Itoa(limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	var rows []cachedMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, false, fmt.Errorf("decode cached window: %w", err)
	}
	msgs := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		// never serve a foreign row even if the key space was polluted
		if rows[i].TenantID != scope.TenantID {
			return nil, false, nil
		}
		msgs = append(msgs, rows[i].toDomain())
	}
	return msgs, true, nil
}

func (c *WindowCache) SetRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int, msgs []*domain.Message) error {
	if !scope.Valid() {
		return tenant.ErrMissingScope
	}
	rows := make([]cachedMessage, len(msgs))
	for i, m := range msgs {
		rows[i] = fromDomain(m)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode window: %w", err)
	}
	key := windowKey(scope, channelID)
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, strconv.Itoa(limit), data)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (c *WindowCache) Invalidate(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) error {
	if !scope.Valid() {
		return tenant.ErrMissingScope
	}
	if err := c.client.Del(ctx, windowKey(scope, channelID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

type cachedMessage struct {
	ID                uuid.UUID          `json:"id"`
	ExternalMessageID *string            `json:"external_message_id,omitempty"`
	TenantID          uuid.UUID          `json:"tenant_id"`
	ChannelID         uuid.UUID          `json:"channel_id"`
	Direction         domain.Direction   `json:"direction"`
	FromPhone         string             `json:"from_phone"`
	ToPhone           string             `json:"to_phone"`
	MessageType       domain.MessageType `json:"message_type"`
	Content           map[string]any     `json:"content"`
	ContentHash       string             `json:"content_hash"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	Status            domain.Status      `json:"status"`
	RetryCount        int                `json:"retry_count"`
	ErrorCode         *string            `json:"error_code,omitempty"`
	ErrorMessage      *string            `json:"error_message,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StatusUpdatedAt   time.Time          `json:"status_updated_at"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time         `json:"delivered_at,omitempty"`
	ReadAt            *time.Time         `json:"read_at,omitempty"`
}

func fromDomain(m *domain.Message) cachedMessage {
	return cachedMessage{
		ID:                m.ID,
		ExternalMessageID: m.ExternalMessageID,
		TenantID:          m.TenantID,
		ChannelID:         m.ChannelID,
		Direction:         m.Direction,
		FromPhone:         m.FromPhone,
		ToPhone:           m.ToPhone,
		MessageType:       m.MessageType,
		Content:           m.Content,
		ContentHash:       m.ContentHash,
		Metadata:          m.Metadata,
		Status:            m.Status,
		RetryCount:        m.RetryCount,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
		StatusUpdatedAt:   m.StatusUpdatedAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
	}
}

func (c cachedMessage) toDomain() *domain.Message {
	return &domain.Message{
		ID:                c.ID,
		ExternalMessageID: c.ExternalMessageID,
		TenantID:          c.TenantID,
		ChannelID:         c.ChannelID,
		Direction:         c.Direction,
		FromPhone:         c.FromPhone,
		ToPhone:           c.ToPhone,
		MessageType:       c.MessageType,
		Content:           c.Content,
		ContentHash:       c.ContentHash,
		Metadata:          c.Metadata,
		Status:            c.Status,
		RetryCount:        c.RetryCount,
		ErrorCode:         c.ErrorCode,
		ErrorMessage:      c.ErrorMessage,
		CreatedAt:         c.CreatedAt,
		StatusUpdatedAt:   c.StatusUpdatedAt,
		SentAt:            c.SentAt,
		DeliveredAt:       c.DeliveredAt,
		ReadAt:            c.ReadAt,
	}
}
