package middleware

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// JWT context keys
const (
	JWTClaimsKey   = "jwt_claims"
	JWTUserIDKey   = "jwt_user_id"
	JWTTenantIDKey = "jwt_tenant_id"
	AuthHeaderKey  = "Authorization"
	BearerPrefix   = "Bearer "
)

// TokenVerifier validates bearer tokens
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// JWTMiddlewareConfig holds configuration for JWT middleware
type JWTMiddlewareConfig struct {
	// Verifier is required for token validation
	Verifier TokenVerifier
	// SkipPaths are paths that don't require authentication
	SkipPaths []string
	Logger    *zap.Logger
}

// DefaultJWTConfig returns the JWT middleware configuration with the health
// endpoints left public
func DefaultJWTConfig(verifier TokenVerifier) JWTMiddlewareConfig {
	return JWTMiddlewareConfig{
		Verifier:  verifier,
		SkipPaths: []string{"/health", "/api/v1/system/ping"},
	}
}

// JWTAuthMiddleware authenticates requests with a bearer token and stores the
// claims in the gin context and the tenant and user IDs in the request context
func JWTAuthMiddleware(cfg JWTMiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		if slices.Contains(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		header := c.GetHeader(AuthHeaderKey)
		if header == "" {
			abortWithError(c, dto.ErrCodeUnauthorized, "Missing authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, BearerPrefix)
		if !ok || strings.TrimSpace(token) == "" {
			abortWithError(c, dto.ErrCodeUnauthorized, "Invalid authorization header format")
			return
		}

		ctx := c.Request.Context()
		claims, err := cfg.Verifier.Verify(ctx, strings.TrimSpace(token))
		if err != nil {
			code, message := authErrorCode(err)
			logger.FromContext(ctx, log).Warn("JWT authentication failed",
				zap.Error(err),
				zap.String("code", code),
				zap.String("path", c.Request.URL.Path),
			)
			abortWithError(c, code, message)
			return
		}

		c.Set(JWTClaimsKey, claims)
		c.Set(JWTUserIDKey, claims.UserID)
		c.Set(JWTTenantIDKey, claims.TenantID)

		ctx = logger.WithUserID(ctx, claims.UserID)
		ctx = logger.WithTenantID(ctx, claims.TenantID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// authErrorCode maps verification failures to API error codes
func authErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return dto.ErrCodeTokenExpired, "Token has expired"
	case errors.Is(err, auth.ErrTokenNotYetValid):
		return dto.ErrCodeTokenInvalid, "Token is not yet valid"
	case errors.Is(err, auth.ErrTokenRevoked):
		return dto.ErrCodeTokenRevoked, "Token has been revoked"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidClaims),
		errors.Is(err, auth.ErrMissingTenantID),
		errors.Is(err, auth.ErrMissingUserID):
		return dto.ErrCodeTokenInvalid, "Invalid token"
	default:
		return dto.ErrCodeUnauthorized, "Authentication required"
	}
}

// GetJWTClaims retrieves JWT claims from gin.Context
func GetJWTClaims(c *gin.Context) *auth.Claims {
	if claims, exists := c.Get(JWTClaimsKey); exists {
		if jwtClaims, ok := claims.(*auth.Claims); ok {
			return jwtClaims
		}
	}
	return nil
}

// GetJWTUserID retrieves the user ID from JWT claims in context
func GetJWTUserID(c *gin.Context) string {
	return c.GetString(JWTUserIDKey)
}
