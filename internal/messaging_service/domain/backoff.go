package domain

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 10 * time.Second
	maxBackoffShift    = 30
)

// BackoffPolicy decides when a FAILED message may be re-queued.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// WithDefaults fills zero fields.
func (p BackoffPolicy) WithDefaults() BackoffPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Delay is base * 2^retryCount.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffShift {
		retryCount = maxBackoffShift
	}
	return p.BaseDelay * time.Duration(int64(1)<<uint(retryCount))
}

// NextAttemptAt is the first instant at which m becomes eligible.
func (p BackoffPolicy) NextAttemptAt(m *Message) time.Time {
	return m.StatusUpdatedAt.Add(p.Delay(m.RetryCount))
}

// Eligible reports whether m may be re-queued at now. The boundary is inclusive.
func (p BackoffPolicy) Eligible(m *Message, now time.Time) bool {
	return m.Status == StatusFailed &&
		m.RetryCount < p.MaxAttempts &&
		!now.Before(p.NextAttemptAt(m))
}

// Exhausted reports whether m is a dead-letter candidate.
func (p BackoffPolicy) Exhausted(m *Message) bool {
	return m.Status == StatusFailed && m.RetryCount >= p.MaxAttempts
}
