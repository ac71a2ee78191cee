// Package tenant resolves and enforces the active tenant scope. Every
// repository call that reads or writes tenant-owned rows goes through it.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrMismatch     = errors.New("tenant mismatch")
	ErrImmutable    = errors.New("tenant id is immutable")
	ErrMissingScope = errors.New("tenant scope is missing")
)

// Scope is the tenant an operation acts on behalf of.
type Scope struct {
	TenantID uuid.UUID
}

// NewScope builds a scope, rejecting the nil tenant.
func NewScope(tenantID uuid.UUID) (Scope, error) {
	if tenantID == uuid.Nil {
		return Scope{}, ErrMissingScope
	}
	return Scope{TenantID: tenantID}, nil
}

// ParseScope builds a scope from a textual tenant id.
func ParseScope(raw string) (Scope, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: invalid tenant id %q", ErrMissingScope, raw)
	}
	return NewScope(id)
}

// Valid reports whether the scope names a tenant.
func (s Scope) Valid() bool { return s.TenantID != uuid.Nil }

func (s Scope) String() string { return s.TenantID.String() }

// Authorize fails with ErrMismatch unless resourceTenant is the scope tenant.
func Authorize(scope Scope, resourceTenant uuid.UUID) error {
	if !scope.Valid() {
		return ErrMissingScope
	}
	if resourceTenant != scope.TenantID {
		return ErrMismatch
	}
	return nil
}

// ApplyOnInsert fills an empty tenant id from scope, or authorizes the one
// the caller supplied.
func ApplyOnInsert(scope Scope, tenantID *uuid.UUID) error {
	if !scope.Valid() {
		return ErrMissingScope
	}
	if *tenantID == uuid.Nil {
		*tenantID = scope.TenantID
		return nil
	}
	return Authorize(scope, *tenantID)
}

// CheckImmutable rejects any attempt to move a row to another tenant.
func CheckImmutable(current, proposed uuid.UUID) error {
	if proposed != uuid.Nil && proposed != current {
		return ErrImmutable
	}
	return nil
}

type contextKey struct{}

// WithScope stores the scope on ctx for transport layers.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the scope stored by WithScope.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	return s, ok && s.Valid()
}
