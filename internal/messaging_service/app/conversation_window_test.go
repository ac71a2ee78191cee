package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWindowCache struct {
	mock.Mock
}

func (m *mockWindowCache) GetRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, bool, error) {
	args := m.Called(ctx, scope, channelID, limit)
	msgs, _ := args.Get(0).([]*domain.Message)
	return msgs, args.Bool(1), args.Error(2)
}

func (m *mockWindowCache) SetRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int, msgs []*domain.Message) error {
	return m.Called(ctx, scope, channelID, limit, msgs).Error(0)
}

func (m *mockWindowCache) Invalidate(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) error {
	return m.Called(ctx, scope, channelID).Error(0)
}

// seedTimeline stores n messages of channel A one minute apart and returns
// them oldest first.
func seedTimeline(c coreTestComponents, n int, counterpart func(i int) string) []*domain.Message {
	base := c.clock.Now().Add(-time.Hour)
	out := make([]*domain.Message, 0, n)
	for i := 0; i < n; i++ {
		m := c.seedMessage(domain.StatusSent, 0, base.Add(time.Duration(i)*time.Minute))
		if counterpart != nil {
			m.ToPhone = counterpart(i)
			c.store.Seed(m)
		}
		out = append(out, m)
	}
	return out
}

func idsOf(msgs []*domain.Message) []uuid.UUID {
	out := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestConversationWindow_RecentForChannel(t *testing.T) {
	ctx := context.Background()
	c := setupCoreTest(t)
	w := NewConversationWindow(c.store, nil, c.logger)
	timeline := seedTimeline(c, 5, nil)

	got, err := w.RecentForChannel(ctx, c.scopeA, c.channelA.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{timeline[4].ID, timeline[3].ID}, idsOf(got))

	got, err = w.RecentForChannel(ctx, c.scopeA, c.channelA.ID, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = w.RecentForChannel(ctx, c.scopeB, c.channelB.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "tenant B sees none of tenant A's messages")

	_, err = w.RecentForChannel(ctx, c.scopeB, c.channelA.ID, 10)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	_, err = w.RecentForChannel(ctx, tenant.Scope{}, c.channelA.ID, 10)
	assert.ErrorIs(t, err, tenant.ErrMissingScope)
}

func TestConversationWindow_WindowForSession(t *testing.T) {
	ctx := context.Background()
	c := setupCoreTest(t)
	w := NewConversationWindow(c.store, nil, c.logger)

	const alice, bob = "+14155550101", "+14155550102"
	timeline := seedTimeline(c, 6, func(i int) string {
		if i%2 == 0 {
			return alice
		}
		return bob
	})

	start, end := timeline[0].CreatedAt, timeline[4].CreatedAt
	got, err := w.WindowForSession(ctx, c.scopeA, c.channelA.ID, "+1 415-555-0101", start, end, 0)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{timeline[4].ID, timeline[2].ID, timeline[0].ID}, idsOf(got), "bounds are inclusive")

	got, err = w.WindowForSession(ctx, c.scopeA, c.channelA.ID, alice, start, end, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{timeline[4].ID}, idsOf(got))

	t.Run("Rejects", func(t *testing.T) {
		_, err := w.WindowForSession(ctx, c.scopeA, c.channelA.ID, "alice", start, end, 10)
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = w.WindowForSession(ctx, c.scopeA, c.channelA.ID, alice, end, start, 10)
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = w.WindowForSession(ctx, c.scopeB, c.channelA.ID, alice, start, end, 10)
		assert.ErrorIs(t, err, domain.ErrTenantMismatch)

		_, err = w.WindowForSession(ctx, c.scopeA, uuid.New(), alice, start, end, 10)
		assert.ErrorIs(t, err, domain.ErrChannelNotFound)
	})
}

func TestConversationWindow_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("MissFillsCache", func(t *testing.T) {
		c := setupCoreTest(t)
		timeline := seedTimeline(c, 3, nil)
		cache := &mockWindowCache{}
		cache.On("GetRecent", mock.Anything, c.scopeA, c.channelA.ID, 2).Return(nil, false, nil).Once()
		cache.On("SetRecent", mock.Anything, c.scopeA, c.channelA.ID, 2, mock.Anything).Return(nil).Once()

		w := NewConversationWindow(c.store, cache, c.logger)
		got, err := w.RecentForChannel(ctx, c.scopeA, c.channelA.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{timeline[2].ID, timeline[1].ID}, idsOf(got))
		cache.AssertExpectations(t)
	})

	t.Run("HitSkipsStore", func(t *testing.T) {
		c := setupCoreTest(t)
		cached := []*domain.Message{{ID: uuid.New()}}
		cache := &mockWindowCache{}
		cache.On("GetRecent", mock.Anything, c.scopeA, c.channelA.ID, DefaultRecentLimit).Return(cached, true, nil)

		c.store.SetUnavailable(true)
		w := NewConversationWindow(c.store, cache, c.logger)
		_, err := w.RecentForChannel(ctx, c.scopeA, c.channelA.ID, 0)
		// the ownership check still hits storage
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

		c.store.SetUnavailable(false)
		got, err := w.RecentForChannel(ctx, c.scopeA, c.channelA.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, cached, got)
		cache.AssertNotCalled(t, "SetRecent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("CacheErrorsFallBackToStore", func(t *testing.T) {
		c := setupCoreTest(t)
		seedTimeline(c, 2, nil)
		cache := &mockWindowCache{}
		cache.On("GetRecent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, false, errors.New("redis down"))
		cache.On("SetRecent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

		w := NewConversationWindow(c.store, cache, c.logger)
		got, err := w.RecentForChannel(ctx, c.scopeA, c.channelA.ID, 10)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("SendInvalidates", func(t *testing.T) {
		c := setupCoreTest(t)
		cache := &mockWindowCache{}
		cache.On("Invalidate", mock.Anything, c.scopeA, c.channelA.ID).Return(nil).Once()

		svc, err := NewMessageService(c.store, c.outbox, cache, c.logger, ServiceConfig{})
		require.NoError(t, err)
		_, err = svc.Send(ctx, c.scopeA, c.textSend(""))
		require.NoError(t, err)
		cache.AssertExpectations(t)
	})
}
