package rediscache

import (
	"context"
	"testing"

	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWindowKey_PerTenantAndChannel(t *testing.T) {
	a := tenant.Scope{TenantID: uuid.New()}
	b := tenant.Scope{TenantID: uuid.New()}
	ch := uuid.New()

	assert.Equal(t, "messaging:window:"+a.TenantID.String()+":"+ch.String(), windowKey(a, ch))
	assert.NotEqual(t, windowKey(a, ch), windowKey(b, ch))
}

func TestWindowCache_RequiresScope(t *testing.T) {
	ctx := context.Background()
	c := NewWindowCache(nil, 0)

	_, _, err := c.GetRecent(ctx, tenant.Scope{}, uuid.New(), 10)
	assert.ErrorIs(t, err, tenant.ErrMissingScope)
	assert.ErrorIs(t, c.SetRecent(ctx, tenant.Scope{}, uuid.New(), 10, nil), tenant.ErrMissingScope)
	assert.ErrorIs(t, c.Invalidate(ctx, tenant.Scope{}, uuid.New()), tenant.ErrMissingScope)
}
