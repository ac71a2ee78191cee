package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

const (
	DefaultRecentLimit  = 50
	DefaultSessionLimit = 20
	MaxWindowLimit      = 500
)

// WindowCache is an optional read-through cache for RecentForChannel.
// Entries are keyed by tenant and channel.
type WindowCache interface {
	GetRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, bool, error)
	SetRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int, msgs []*domain.Message) error
	Invalidate(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) error
}

// ConversationWindow serves bounded read queries for session context.
type ConversationWindow struct {
	store  repository.Store
	cache  WindowCache
	logger *slog.Logger
}

// NewConversationWindow builds the read path. cache may be nil.
func NewConversationWindow(store repository.Store, cache WindowCache, logger *slog.Logger) *ConversationWindow {
	return &ConversationWindow{store: store, cache: cache, logger: logger.With("component", "conversation_window")}
}

// invalidateWindow drops the cached window of a channel after a committed
// write. Cache failures are logged; entries expire by TTL regardless.
func invalidateWindow(ctx context.Context, cache WindowCache, logger *slog.Logger, scope tenant.Scope, channelID uuid.UUID) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, scope, channelID); err != nil {
		logger.WarnContext(ctx, "Failed to invalidate window cache", "error", err, "channel_id", channelID)
	}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxWindowLimit {
		return MaxWindowLimit
	}
	return limit
}

// RecentForChannel returns the newest messages of a channel, newest first.
func (w *ConversationWindow) RecentForChannel(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, error) {
	start := time.Now()
	defer func() { operationDurationHist.WithLabelValues("recent_for_channel").Observe(time.Since(start).Seconds()) }()

	limit = clampLimit(limit, DefaultRecentLimit)
	if _, err := w.store.Channels().Get(ctx, scope, channelID); err != nil {
		return nil, err
	}

	if w.cache != nil {
		msgs, ok, err := w.cache.GetRecent(ctx, scope, channelID, limit)
		if err != nil {
			w.logger.WarnContext(ctx, "Window cache read failed", "error", err, "channel_id", channelID)
		} else if ok {
			return msgs, nil
		}
	}

	msgs, err := w.store.Messages().QueryRecent(ctx, scope, channelID, limit)
	if err != nil {
		return nil, err
	}
	if w.cache != nil {
		if err := w.cache.SetRecent(ctx, scope, channelID, limit, msgs); err != nil {
			w.logger.WarnContext(ctx, "Window cache write failed", "error", err, "channel_id", channelID)
		}
	}
	return msgs, nil
}

// WindowForSession returns messages exchanged with counterpart inside
// [start, end], newest first.
func (w *ConversationWindow) WindowForSession(
	ctx context.Context,
	scope tenant.Scope,
	channelID uuid.UUID,
	counterpart string,
	start, end time.Time,
	limit int,
) ([]*domain.Message, error) {
	began := time.Now()
	defer func() { operationDurationHist.WithLabelValues("window_for_session").Observe(time.Since(began).Seconds()) }()

	counterpart = domain.NormalizePhone(counterpart)
	if err := domain.ValidatePhone(counterpart); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, domain.Validationf("window start %s is after end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if _, err := w.store.Channels().Get(ctx, scope, channelID); err != nil {
		return nil, err
	}
	return w.store.Messages().QueryWindow(ctx, scope, repository.WindowQuery{
		ChannelID:   channelID,
		Counterpart: counterpart,
		Start:       start,
		End:         end,
		Limit:       clampLimit(limit, DefaultSessionLimit),
	})
}
