package http

import (
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
)

// SendMessageRequest is the body of POST /v1/channels/{channelID}/messages.
// The idempotency key comes from the Idempotency-Key header.
type SendMessageRequest struct {
	To          string         `json:"to" validate:"required"`
	MessageType string         `json:"message_type" validate:"required"`
	Content     map[string]any `json:"content" validate:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type SendMessageResponse struct {
	MessageID string        `json:"message_id"`
	Status    domain.Status `json:"status"`
	Duplicate bool          `json:"duplicate"`
}

// UpdateStatusRequest is the body of PUT /v1/messages/{messageID}/status.
type UpdateStatusRequest struct {
	Status       string  `json:"status" validate:"required"`
	ErrorCode    *string `json:"error_code,omitempty" validate:"omitempty,max=64"`
	ErrorMessage *string `json:"error_message,omitempty" validate:"omitempty,max=1024"`
}

// DeadLetterRequest is the body of POST /v1/messages/{messageID}/dead-letter.
type DeadLetterRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type MessageResponse struct {
	ID                string         `json:"id"`
	ExternalMessageID *string        `json:"external_message_id,omitempty"`
	ChannelID         string         `json:"channel_id"`
	Direction         string         `json:"direction"`
	From              string         `json:"from"`
	To                string         `json:"to"`
	Counterpart       string         `json:"counterpart"`
	MessageType       string         `json:"message_type"`
	Content           map[string]any `json:"content"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Status            domain.Status  `json:"status"`
	RetryCount        int            `json:"retry_count"`
	ErrorCode         *string        `json:"error_code,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StatusUpdatedAt   time.Time      `json:"status_updated_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
}

type MessageListResponse struct {
	Messages []MessageResponse `json:"messages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func toMessageResponse(m *domain.Message) MessageResponse {
	return MessageResponse{
		ID:                m.ID.String(),
		ExternalMessageID: m.ExternalMessageID,
		ChannelID:         m.ChannelID.String(),
		Direction:         string(m.Direction),
		From:              m.FromPhone,
		To:                m.ToPhone,
		Counterpart:       m.Counterpart(),
		MessageType:       string(m.MessageType),
		Content:           m.Content,
		Metadata:          m.Metadata,
		Status:            m.Status,
		RetryCount:        m.RetryCount,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
		StatusUpdatedAt:   m.StatusUpdatedAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
	}
}

func toMessageList(msgs []*domain.Message) MessageListResponse {
	out := MessageListResponse{Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	return out
}
