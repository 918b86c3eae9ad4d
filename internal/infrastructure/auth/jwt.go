// Package auth verifies the bearer tokens issued by the CRM platform.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Permissions checked by the analytics API
const (
	PermissionAnalyticsRead   = "analytics:read"
	PermissionAnalyticsManage = "analytics:manage"
)

// Verification errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMissingTenantID  = errors.New("missing tenant_id in claims")
	ErrMissingUserID    = errors.New("missing user_id in claims")
	ErrTokenRevoked     = errors.New("token has been revoked")
)

// Claims are the claims carried by platform access tokens
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	Username    string   `json:"username,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Tenant returns the tenant ID as a UUID
func (c *Claims) Tenant() (uuid.UUID, error) {
	id, err := uuid.Parse(c.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: tenant_id %q", ErrInvalidClaims, c.TenantID)
	}
	return id, nil
}

// HasPermission reports whether the token grants perm. The "*" permission grants everything.
func (c *Claims) HasPermission(perm string) bool {
	return slices.Contains(c.Permissions, perm) || slices.Contains(c.Permissions, "*")
}

// TokenVerifier validates HS256 access tokens against the shared secret
type TokenVerifier struct {
	secret      []byte
	parser      *jwt.Parser
	revocations RevocationList
}

// VerifierOption configures a TokenVerifier
type VerifierOption func(*TokenVerifier)

// WithRevocationList rejects tokens found in list
func WithRevocationList(list RevocationList) VerifierOption {
	return func(v *TokenVerifier) {
		v.revocations = list
	}
}

// NewTokenVerifier creates a verifier from the JWT configuration. Issuer and
// audience are enforced only when configured.
func NewTokenVerifier(cfg config.JWTConfig, opts ...VerifierOption) *TokenVerifier {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	v := &TokenVerifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(parserOpts...),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses tokenString and returns its claims
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrTokenNotYetValid
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.TenantID == "" {
		return nil, ErrMissingTenantID
	}
	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}
	if _, err := claims.Tenant(); err != nil {
		return nil, err
	}

	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, claims)
		if err != nil {
			return nil, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// SignToken signs claims with the shared secret. The platform issues tokens in
// production; this is used by tooling and tests.
func SignToken(secret string, claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// NewClaims builds claims for tenantID and userID valid for ttl from now
func NewClaims(cfg config.JWTConfig, tenantID, userID uuid.UUID, ttl time.Duration, permissions ...string) *Claims {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    cfg.Issuer,
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TenantID:    tenantID.String(),
		UserID:      userID.String(),
		Permissions: permissions,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return claims
}
