package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeTestComponents struct {
	store   *Store
	scopeA  tenant.Scope
	scopeB  tenant.Scope
	channel *domain.Channel
	now     time.Time
}

func setupStoreTest(t *testing.T) storeTestComponents {
	t.Helper()
	s := NewStore()
	a := tenant.Scope{TenantID: uuid.New()}
	b := tenant.Scope{TenantID: uuid.New()}
	ch := &domain.Channel{ID: uuid.New(), TenantID: a.TenantID, PhoneNumber: "+14155550000", Status: domain.ChannelActive}
	s.AddChannel(ch)

	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Partitions().EnsurePartition(context.Background(), now))
	return storeTestComponents{store: s, scopeA: a, scopeB: b, channel: ch, now: now}
}

func (c storeTestComponents) newMessage() *domain.Message {
	return &domain.Message{
		ChannelID:       c.channel.ID,
		Direction:       domain.DirectionOutbound,
		FromPhone:       c.channel.PhoneNumber,
		ToPhone:         "+14155550100",
		MessageType:     domain.MessageTypeText,
		Content:         map[string]any{"body": "hi"},
		Status:          domain.StatusQueued,
		CreatedAt:       c.now,
		StatusUpdatedAt: c.now,
	}
}

func TestMessageRepository_Insert(t *testing.T) {
	ctx := context.Background()

	t.Run("FillsTenantFromScope", func(t *testing.T) {
		c := setupStoreTest(t)
		id, err := c.store.Messages().Insert(ctx, c.scopeA, c.newMessage())
		require.NoError(t, err)

		got, err := c.store.Messages().GetByID(ctx, c.scopeA, id)
		require.NoError(t, err)
		assert.Equal(t, c.scopeA.TenantID, got.TenantID)
	})

	t.Run("UnknownChannel", func(t *testing.T) {
		c := setupStoreTest(t)
		m := c.newMessage()
		m.ChannelID = uuid.New()
		_, err := c.store.Messages().Insert(ctx, c.scopeA, m)
		assert.ErrorIs(t, err, domain.ErrChannelNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ChannelOfAnotherTenant", func(t *testing.T) {
		c := setupStoreTest(t)
		_, err := c.store.Messages().Insert(ctx, c.scopeB, c.newMessage())
		assert.ErrorIs(t, err, domain.ErrTenantMismatch)
		assert.Zero(t, c.store.MessageCount())
	})

	t.Run("ExplicitForeignTenant", func(t *testing.T) {
		c := setupStoreTest(t)
		m := c.newMessage()
		m.TenantID = c.scopeB.TenantID
		_, err := c.store.Messages().Insert(ctx, c.scopeA, m)
		assert.ErrorIs(t, err, domain.ErrTenantMismatch)
	})

	t.Run("MalformedPhone", func(t *testing.T) {
		c := setupStoreTest(t)
		m := c.newMessage()
		m.ToPhone = "09121234567"
		_, err := c.store.Messages().Insert(ctx, c.scopeA, m)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("MissingPartition", func(t *testing.T) {
		c := setupStoreTest(t)
		m := c.newMessage()
		m.CreatedAt = c.now.AddDate(0, 2, 0)
		_, err := c.store.Messages().Insert(ctx, c.scopeA, m)
		assert.ErrorIs(t, err, repository.ErrPartitionMissing)
	})

	t.Run("DuplicateExternalID", func(t *testing.T) {
		c := setupStoreTest(t)
		ext := "wamid.123"
		m1 := c.newMessage()
		m1.ExternalMessageID = &ext
		_, err := c.store.Messages().Insert(ctx, c.scopeA, m1)
		require.NoError(t, err)

		m2 := c.newMessage()
		m2.ExternalMessageID = &ext
		_, err = c.store.Messages().Insert(ctx, c.scopeA, m2)
		assert.ErrorIs(t, err, domain.ErrDuplicateExternalID)
	})
}

func TestMessageRepository_CrossTenant(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	id, err := c.store.Messages().Insert(ctx, c.scopeA, c.newMessage())
	require.NoError(t, err)

	_, err = c.store.Messages().GetByID(ctx, c.scopeB, id)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	err = c.store.Messages().UpdateStatus(ctx, c.scopeB, domain.StatusChange{
		MessageID: id, From: domain.StatusQueued, To: domain.StatusSent, At: c.now,
	})
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	recent, err := c.store.Messages().QueryRecent(ctx, c.scopeB, c.channel.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestMessageRepository_UpdateStatusOptimistic(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	id, err := c.store.Messages().Insert(ctx, c.scopeA, c.newMessage())
	require.NoError(t, err)

	change := domain.StatusChange{MessageID: id, From: domain.StatusQueued, To: domain.StatusSent, At: c.now}
	require.NoError(t, c.store.Messages().UpdateStatus(ctx, c.scopeA, change))
	assert.ErrorIs(t, c.store.Messages().UpdateStatus(ctx, c.scopeA, change), domain.ErrStaleWrite)

	_, err = c.store.Messages().GetByID(ctx, c.scopeA, uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	boom := errors.New("boom")

	err := c.store.WithinTx(ctx, func(tx repository.Repositories) error {
		id, err := tx.Messages().Insert(ctx, c.scopeA, c.newMessage())
		require.NoError(t, err)
		require.NoError(t, tx.Outbox().Append(ctx, c.scopeA, &domain.OutboxEvent{
			AggregateType: domain.AggregateMessage, AggregateID: id, EventType: domain.EventMessageCreated, OccurredAt: c.now,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.store.MessageCount())
	assert.Empty(t, c.store.Events())
}

func TestStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	c.store.SetUnavailable(true)

	_, err := c.store.Messages().Insert(ctx, c.scopeA, c.newMessage())
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	err = c.store.WithinTx(ctx, func(repository.Repositories) error { return nil })
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestIdempotencyRepository_Reserve(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	repo := c.store.Idempotency()

	rec := func(at time.Time) *domain.IdempotencyRecord {
		return &domain.IdempotencyRecord{Endpoint: "send", Key: "k-1", CreatedAt: at, ExpiresAt: at.Add(time.Hour)}
	}

	res, err := repo.Reserve(ctx, c.scopeA, rec(c.now))
	require.NoError(t, err)
	assert.False(t, res.Duplicate())

	msgID := uuid.New()
	require.NoError(t, repo.LinkMessage(ctx, c.scopeA, "send", "k-1", msgID))

	res, err = repo.Reserve(ctx, c.scopeA, rec(c.now.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Duplicate())
	require.NotNil(t, res.MessageID)
	assert.Equal(t, msgID, *res.MessageID)

	// Same key under another tenant is independent.
	res, err = repo.Reserve(ctx, c.scopeB, rec(c.now))
	require.NoError(t, err)
	assert.False(t, res.Duplicate())

	// After expiry the key can be reserved again.
	res, err = repo.Reserve(ctx, c.scopeA, rec(c.now.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.False(t, res.Duplicate())
	assert.Nil(t, res.MessageID)
}

func TestIdempotencyRepository_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	repo := c.store.Idempotency()

	for _, key := range []string{"a", "b", "c"} {
		_, err := repo.Reserve(ctx, c.scopeA, &domain.IdempotencyRecord{
			Endpoint: "send", Key: key, CreatedAt: c.now, ExpiresAt: c.now.Add(time.Minute),
		})
		require.NoError(t, err)
	}

	n, err := repo.PurgeExpired(ctx, c.now, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.PurgeExpired(ctx, c.now.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.PurgeExpired(ctx, c.now.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOutboxRepository_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)

	for i, at := range []time.Time{c.now.Add(2 * time.Second), c.now, c.now.Add(time.Second)} {
		require.NoError(t, c.store.Outbox().Append(ctx, c.scopeA, &domain.OutboxEvent{
			AggregateType: domain.AggregateMessage, AggregateID: uuid.New(),
			EventType: domain.EventMessageChanged, OccurredAt: at, Payload: map[string]any{"i": i},
		}))
	}

	_, err := c.store.Outbox().ClaimPending(ctx, 10)
	assert.Error(t, err, "claim outside a transaction")

	err = c.store.WithinTx(ctx, func(tx repository.Repositories) error {
		claimed, err := tx.Outbox().ClaimPending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, 1, claimed[0].Payload["i"])
		assert.Equal(t, 2, claimed[1].Payload["i"])
		return tx.Outbox().MarkProcessed(ctx, claimed[0].ID, c.now)
	})
	require.NoError(t, err)

	pending := 0
	for _, ev := range c.store.Events() {
		if ev.Pending() {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
}

func TestDeadLetterRepository_InsertOnce(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	id, err := c.store.Messages().Insert(ctx, c.scopeA, c.newMessage())
	require.NoError(t, err)

	rec := &domain.DeadLetterRecord{MessageID: id, Reason: "retries exhausted", CreatedAt: c.now}
	require.NoError(t, c.store.DeadLetters().Insert(ctx, c.scopeA, rec))
	assert.ErrorIs(t, c.store.DeadLetters().Insert(ctx, c.scopeA, &domain.DeadLetterRecord{MessageID: id}), domain.ErrAlreadyDeadLettered)

	ok, err := c.store.DeadLetters().Exists(ctx, c.scopeA, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.store.DeadLetters().Exists(ctx, c.scopeB, id)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)
}

func TestOutboxRepository_ClaimHoldsBackLaterSiblings(t *testing.T) {
	ctx := context.Background()
	c := setupStoreTest(t)
	agg := uuid.New()

	// The earlier event carries the later timestamp, so a batch of one
	// selects the later sibling first.
	for i, at := range []time.Time{c.now.Add(time.Second), c.now} {
		require.NoError(t, c.store.Outbox().Append(ctx, c.scopeA, &domain.OutboxEvent{
			AggregateType: domain.AggregateMessage, AggregateID: agg,
			EventType: domain.EventMessageChanged, OccurredAt: at, Payload: map[string]any{"i": i},
		}))
	}

	err := c.store.WithinTx(ctx, func(tx repository.Repositories) error {
		claimed, err := tx.Outbox().ClaimPending(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		claimed, err = tx.Outbox().ClaimPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, 0, claimed[0].Payload["i"])
		assert.Equal(t, 1, claimed[1].Payload["i"])
		return nil
	})
	require.NoError(t, err)
}
