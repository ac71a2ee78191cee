package app

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository/memory"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by the services under test.
type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type coreTestComponents struct {
	store    *memory.Store
	clock    *testClock
	logger   *slog.Logger
	outbox   *OutboxPublisher
	service  *MessageService
	scopeA   tenant.Scope
	scopeB   tenant.Scope
	channelA *domain.Channel
	channelB *domain.Channel
}

func setupCoreTest(t *testing.T) coreTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{t: time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)}

	store := memory.NewStore()
	scopeA := tenant.Scope{TenantID: uuid.New()}
	scopeB := tenant.Scope{TenantID: uuid.New()}
	chA := &domain.Channel{
		ID: uuid.New(), TenantID: scopeA.TenantID, PhoneNumber: "+14155550000",
		Status: domain.ChannelActive, RateLimitTier: domain.RateLimitStandard,
	}
	chB := &domain.Channel{
		ID: uuid.New(), TenantID: scopeB.TenantID, PhoneNumber: "+14155559999",
		Status: domain.ChannelActive, RateLimitTier: domain.RateLimitStandard,
	}
	store.AddChannel(chA)
	store.AddChannel(chB)

	outbox := NewOutboxPublisher(nil)
	outbox.now = clock.Now

	svc, err := NewMessageService(store, outbox, nil, logger, ServiceConfig{})
	require.NoError(t, err)
	svc.now = clock.Now

	return coreTestComponents{
		store:    store,
		clock:    clock,
		logger:   logger,
		outbox:   outbox,
		service:  svc,
		scopeA:   scopeA,
		scopeB:   scopeB,
		channelA: chA,
		channelB: chB,
	}
}

func (c coreTestComponents) textSend(key string) SendRequest {
	return SendRequest{
		ChannelID:      c.channelA.ID,
		ToPhone:        "+14155550100",
		MessageType:    domain.MessageTypeText,
		Content:        map[string]any{"body": "hi"},
		IdempotencyKey: key,
	}
}

// seedMessage stores a message of channel A directly in the given state.
func (c coreTestComponents) seedMessage(status domain.Status, retryCount int, updatedAt time.Time) *domain.Message {
	m := &domain.Message{
		ID:              uuid.New(),
		TenantID:        c.scopeA.TenantID,
		ChannelID:       c.channelA.ID,
		Direction:       domain.DirectionOutbound,
		FromPhone:       c.channelA.PhoneNumber,
		ToPhone:         "+14155550100",
		MessageType:     domain.MessageTypeText,
		Content:         map[string]any{"body": "hi"},
		Status:          status,
		RetryCount:      retryCount,
		CreatedAt:       updatedAt,
		StatusUpdatedAt: updatedAt,
	}
	c.store.Seed(m)
	return m
}

func (c coreTestComponents) eventsOf(aggregateID uuid.UUID) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, ev := range c.store.Events() {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out
}
