package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxIdempotencyKeyLength = 255

// DefaultIdempotencyTTL is how long a reservation blocks duplicates.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord reserves (tenant, endpoint, key) once.
type IdempotencyRecord struct {
	TenantID  uuid.UUID
	Endpoint  string
	Key       string
	MessageID *uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record no longer blocks duplicates at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ReservationOutcome is the ledger's answer to CheckAndReserve.
type ReservationOutcome int

const (
	ReservationNew ReservationOutcome = iota
	ReservationDuplicate
)

func (o ReservationOutcome) String() string {
	if o == ReservationDuplicate {
		return "duplicate"
	}
	return "new"
}

// Reservation is the result of CheckAndReserve. MessageID is the message
// linked by the winning request, when it has been linked.
type Reservation struct {
	Outcome   ReservationOutcome
	MessageID *uuid.UUID
}

func (r Reservation) Duplicate() bool { return r.Outcome == ReservationDuplicate }

// NormalizeIdempotencyKey trims the key and rejects oversized keys or keys
// containing control characters. An empty result means "no dedup".
func NormalizeIdempotencyKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", nil
	}
	if utf8.RuneCountInString(key) > MaxIdempotencyKeyLength {
		return "", Validationf("idempotency key exceeds %d characters", MaxIdempotencyKeyLength)
	}
	for _, r := range key {
		if r < 32 || r == 127 {
			return "", Validationf("idempotency key contains control characters")
		}
	}
	return key, nil
}
