package tenant

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token payload that carries the tenant id.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenResolver turns HS256 bearer tokens into scopes.
type TokenResolver struct {
	secret []byte
	issuer string
}

func NewTokenResolver(secret, issuer string) *TokenResolver {
	return &TokenResolver{secret: []byte(secret), issuer: issuer}
}

// Resolve validates the token and returns the scope named by its tenant_id claim.
func (r *TokenResolver) Resolve(tokenString string) (Scope, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return Scope{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.TenantID == "" {
		return Scope{}, errors.New("token has no tenant_id claim")
	}
	return ParseScope(claims.TenantID)
}

// Issue signs a token for scope. Used by internal tooling and tests.
func (r *TokenResolver) Issue(scope Scope, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: scope.TenantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
