package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterRecord is the audit artifact for a message whose retries are
// exhausted. The message itself stays FAILED.
type DeadLetterRecord struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	MessageID uuid.UUID
	Reason    string
	Payload   map[string]any
	CreatedAt time.Time
}
