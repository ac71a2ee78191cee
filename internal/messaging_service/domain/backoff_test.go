package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{}.WithDefaults()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 10*time.Second, p.Delay(0))
	assert.Equal(t, 20*time.Second, p.Delay(1))
	assert.Equal(t, 160*time.Second, p.Delay(4))
}

func TestBackoffPolicy_EligibleBoundary(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Second}
	t0 := time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)
	m := &Message{Status: StatusFailed, RetryCount: 2, StatusUpdatedAt: t0}

	due := t0.Add(40 * time.Second)
	assert.False(t, p.Eligible(m, due.Add(-time.Nanosecond)))
	assert.True(t, p.Eligible(m, due))
	assert.True(t, p.Eligible(m, due.Add(time.Hour)))

	m.Status = StatusQueued
	assert.False(t, p.Eligible(m, due.Add(time.Hour)))

	m.Status = StatusFailed
	m.RetryCount = 5
	assert.False(t, p.Eligible(m, due.Add(time.Hour)))
	assert.True(t, p.Exhausted(m))
}
