package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// TransitionKind classifies an edge of the status graph.
type TransitionKind int

const (
	TransitionIllegal TransitionKind = iota
	TransitionSelf
	TransitionForward
	TransitionFailure
	TransitionRequeue // FAILED -> QUEUED, retry path only
	TransitionDropped // accepted, no write
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionSelf:
		return "self"
	case TransitionForward:
		return "forward"
	case TransitionFailure:
		return "failure"
	case TransitionRequeue:
		return "requeue"
	case TransitionDropped:
		return "dropped"
	default:
		return "illegal"
	}
}

// transitions is the single source of truth for legal edges. Missing entries
// are illegal. Self edges are added by LookupTransition.
var transitions = map[Status]map[Status]TransitionKind{
	StatusQueued: {
		StatusSent:   TransitionForward,
		StatusFailed: TransitionFailure,
	},
	StatusSent: {
		StatusDelivered: TransitionForward,
		StatusFailed:    TransitionFailure,
	},
	StatusDelivered: {
		StatusRead:   TransitionForward,
		StatusFailed: TransitionFailure,
	},
	StatusRead: {
		StatusFailed: TransitionDropped, // late failure notice after a read receipt
	},
	StatusFailed: {
		StatusQueued: TransitionRequeue,
	},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed}
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ParseStatus accepts any letter case ("SENT", "sent").
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", Validationf("unknown status %q", raw)
	}
	return s, nil
}

// LookupTransition returns the kind of the edge from -> to.
func LookupTransition(from, to Status) TransitionKind {
	if !from.Valid() || !to.Valid() {
		return TransitionIllegal
	}
	if from == to {
		return TransitionSelf
	}
	return transitions[from][to]
}

// ValidateTransition checks the edge for the given path. Requeue edges are
// only legal when requeue is true.
func ValidateTransition(from, to Status, requeue bool) (TransitionKind, error) {
	kind := LookupTransition(from, to)
	switch {
	case kind == TransitionIllegal:
		return kind, &IllegalTransitionError{From: from, To: to}
	case kind == TransitionRequeue && !requeue:
		return kind, &IllegalTransitionError{From: from, To: to}
	case requeue && kind != TransitionRequeue:
		return kind, &IllegalTransitionError{From: from, To: to}
	}
	return kind, nil
}

// StatusChange is a planned optimistic update of one message row.
type StatusChange struct {
	MessageID    uuid.UUID
	From         Status
	To           Status
	ErrorCode    *string
	ErrorMessage *string
	RetryCount   int
	SentAt       *time.Time
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	At           time.Time
}

// PlanTransition validates the edge and computes the resulting row values.
// The returned kind tells the caller whether a write is needed.
func PlanTransition(m *Message, to Status, errCode, errMsg *string, now time.Time, requeue bool) (StatusChange, TransitionKind, error) {
	kind, err := ValidateTransition(m.Status, to, requeue)
	if err != nil {
		return StatusChange{}, kind, err
	}

	change := StatusChange{
		MessageID:    m.ID,
		From:         m.Status,
		To:           to,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		RetryCount:   m.RetryCount,
		SentAt:       m.SentAt,
		DeliveredAt:  m.DeliveredAt,
		ReadAt:       m.ReadAt,
		At:           now,
	}

	switch to {
	case StatusSent:
		if change.SentAt == nil {
			change.SentAt = &now
		}
	case StatusDelivered:
		if change.DeliveredAt == nil {
			change.DeliveredAt = &now
		}
	case StatusRead:
		if change.ReadAt == nil {
			change.ReadAt = &now
		}
	case StatusFailed:
		if kind == TransitionFailure {
			change.ErrorCode = errCode
			change.ErrorMessage = errMsg
		}
	case StatusQueued:
		if kind == TransitionRequeue {
			change.RetryCount = m.RetryCount + 1
		}
	}
	return change, kind, nil
}

// CurrentState is a change that rewrites m unchanged. Writing it fails with
// ErrStaleWrite if the stored status moved since m was read, and locks the row.
func (m *Message) CurrentState() StatusChange {
	return StatusChange{
		MessageID:    m.ID,
		From:         m.Status,
		To:           m.Status,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		RetryCount:   m.RetryCount,
		SentAt:       m.SentAt,
		DeliveredAt:  m.DeliveredAt,
		ReadAt:       m.ReadAt,
		At:           m.StatusUpdatedAt,
	}
}

// Apply copies the change onto m.
func (m *Message) Apply(c StatusChange) {
	m.Status = c.To
	m.StatusUpdatedAt = c.At
	m.ErrorCode = c.ErrorCode
	m.ErrorMessage = c.ErrorMessage
	m.RetryCount = c.RetryCount
	m.SentAt = c.SentAt
	m.DeliveredAt = c.DeliveredAt
	m.ReadAt = c.ReadAt
}

// ProviderStatus maps a provider status string onto the lifecycle.
func ProviderStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "accepted", "submitted":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read", "seen":
		return StatusRead, nil
	case "failed", "undelivered", "rejected", "expired":
		return StatusFailed, nil
	default:
		return "", Validationf("unknown provider status %q", raw)
	}
}

func (s Status) String() string { return string(s) }
