package domain

import (
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeImage       MessageType = "image"
	MessageTypeDocument    MessageType = "document"
	MessageTypeAudio       MessageType = "audio"
	MessageTypeVideo       MessageType = "video"
	MessageTypeTemplate    MessageType = "template"
	MessageTypeLocation    MessageType = "location"
	MessageTypeInteractive MessageType = "interactive"
)

// Message is a single directional communication unit.
type Message struct {
	ID                uuid.UUID
	ExternalMessageID *string // provider id, globally unique when set
	TenantID          uuid.UUID
	ChannelID         uuid.UUID
	Direction         Direction
	FromPhone         string
	ToPhone           string
	MessageType       MessageType
	Content           map[string]any
	ContentHash       string
	Metadata          map[string]any

	Status       Status
	RetryCount   int
	ErrorCode    *string
	ErrorMessage *string

	CreatedAt       time.Time
	StatusUpdatedAt time.Time
	SentAt          *time.Time
	DeliveredAt     *time.Time
	ReadAt          *time.Time
}

// Validate checks the fields a store must reject before any write.
func (m *Message) Validate() error {
	if m.Direction != DirectionInbound && m.Direction != DirectionOutbound {
		return Validationf("invalid direction %q", m.Direction)
	}
	if err := ValidatePhone(m.FromPhone); err != nil {
		return err
	}
	if err := ValidatePhone(m.ToPhone); err != nil {
		return err
	}
	if !m.Status.Valid() {
		return Validationf("invalid status %q", m.Status)
	}
	if m.RetryCount < 0 {
		return Validationf("retry_count must be >= 0")
	}
	if m.ExternalMessageID != nil && *m.ExternalMessageID == "" {
		return Validationf("external message id must not be empty when set")
	}
	return nil
}

// Counterpart is the remote party's phone from the channel's point of view.
func (m *Message) Counterpart() string {
	if m.Direction == DirectionInbound {
		return m.FromPhone
	}
	return m.ToPhone
}

// Clone returns a deep copy; map contents are copied one level down and
// nested documents are shared read-only.
func (m *Message) Clone() *Message {
	c := *m
	c.ExternalMessageID = clonePtr(m.ExternalMessageID)
	c.ErrorCode = clonePtr(m.ErrorCode)
	c.ErrorMessage = clonePtr(m.ErrorMessage)
	c.SentAt = clonePtr(m.SentAt)
	c.DeliveredAt = clonePtr(m.DeliveredAt)
	c.ReadAt = clonePtr(m.ReadAt)
	c.Content = cloneMap(m.Content)
	c.Metadata = cloneMap(m.Metadata)
	return &c
}

// Snapshot is the full row as an event or dead-letter payload.
func (m *Message) Snapshot() map[string]any {
	snap := map[string]any{
		"id":                m.ID.String(),
		"tenant_id":         m.TenantID.String(),
		"channel_id":        m.ChannelID.String(),
		"direction":         string(m.Direction),
		"from_phone":        m.FromPhone,
		"to_phone":          m.ToPhone,
		"message_type":      string(m.MessageType),
		"content":           m.Content,
		"content_hash":      m.ContentHash,
		"status":            string(m.Status),
		"retry_count":       m.RetryCount,
		"created_at":        m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"status_updated_at": m.StatusUpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	putOptional(snap, "external_message_id", m.ExternalMessageID)
	putOptional(snap, "error_code", m.ErrorCode)
	putOptional(snap, "error_message", m.ErrorMessage)
	putTime(snap, "sent_at", m.SentAt)
	putTime(snap, "delivered_at", m.DeliveredAt)
	putTime(snap, "read_at", m.ReadAt)
	if len(m.Metadata) > 0 {
		snap["metadata"] = m.Metadata
	}
	return snap
}

func putOptional(dst map[string]any, key string, v *string) {
	if v != nil {
		dst[key] = *v
	}
}

func putTime(dst map[string]any, key string, v *time.Time) {
	if v != nil {
		dst[key] = v.UTC().Format(time.RFC3339Nano)
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
