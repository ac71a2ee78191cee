package domain

import (
	"errors"
	"fmt"

	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrIllegalTransition  = errors.New("illegal status transition")
	ErrStaleWrite         = errors.New("stale write: row changed concurrently")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrTenantMismatch  = tenant.ErrMismatch
	ErrTenantImmutable = tenant.ErrImmutable

	ErrChannelNotFound     = fmt.Errorf("channel %w", ErrNotFound)
	ErrMessageNotFound     = fmt.Errorf("message %w", ErrNotFound)
	ErrDuplicateExternalID = fmt.Errorf("%w: external message id already recorded", ErrValidation)
	ErrChannelInactive     = fmt.Errorf("%w: channel is not active", ErrValidation)

	ErrNotEligible         = errors.New("message is not eligible for retry")
	ErrAlreadyDeadLettered = errors.New("message is already dead-lettered")
)

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// Validationf builds an ErrValidation-wrapping error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ErrorTag maps an error to its taxonomy tag for transport layers and metrics.
func ErrorTag(err error) string {
	var ite *IllegalTransitionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTenantMismatch):
		return "TenantMismatch"
	case errors.Is(err, ErrTenantImmutable):
		return "TenantImmutable"
	case errors.As(err, &ite), errors.Is(err, ErrIllegalTransition):
		return "IllegalTransition"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrStaleWrite):
		return "StaleWrite"
	case errors.Is(err, ErrStorageUnavailable):
		return "StorageUnavailable"
	case errors.Is(err, ErrNotEligible):
		return "NotEligible"
	case errors.Is(err, ErrAlreadyDeadLettered):
		return "AlreadyDeadLettered"
	default:
		return "Internal"
	}
}
