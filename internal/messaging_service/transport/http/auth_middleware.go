package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
)

// ScopeResolver turns a bearer token into a tenant scope.
type ScopeResolver interface {
	Resolve(token string) (tenant.Scope, error)
}

// AuthMiddleware puts the caller's tenant scope on the request context.
func AuthMiddleware(resolver ScopeResolver, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				logger.WarnContext(r.Context(), "Missing or malformed Authorization header")
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "bearer token required"})
				return
			}
			scope, err := resolver.Resolve(token)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid or expired token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithScope(r.Context(), scope)))
		})
	}
}
