package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdempotencyKey(t *testing.T) {
	key, err := NormalizeIdempotencyKey("  order-42 ")
	require.NoError(t, err)
	assert.Equal(t, "order-42", key)

	key, err = NormalizeIdempotencyKey("   ")
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = NormalizeIdempotencyKey(strings.Repeat("k", 256))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NormalizeIdempotencyKey("abc\x01def")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIdempotencyRecord_Expired(t *testing.T) {
	now := time.Now()
	r := &IdempotencyRecord{ExpiresAt: now}
	assert.True(t, r.Expired(now))
	assert.False(t, r.Expired(now.Add(-time.Second)))
}

func TestSnapshotPolicy_Project(t *testing.T) {
	policy := DefaultSnapshotPolicy()
	id, tenantID := uuid.New(), uuid.New()

	payload := map[string]any{
		"id":           "spoofed",
		"phone_number": "+14155550100",
		"status":       "active",
		"access_token": "EAAG-secret",
	}
	got := policy.Project(AggregateChannel, id, tenantID, payload)
	assert.Equal(t, id.String(), got["id"])
	assert.Equal(t, tenantID.String(), got["tenant_id"])
	assert.Equal(t, "+14155550100", got["phone_number"])
	assert.NotContains(t, got, "access_token")

	unknown := policy.Project("credential", id, tenantID, payload)
	assert.Len(t, unknown, 2)

	full := policy.Project(AggregateMessage, id, tenantID, payload)
	assert.Equal(t, payload, full)
}
