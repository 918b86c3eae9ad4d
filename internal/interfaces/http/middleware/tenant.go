package middleware

import (
	"slices"

	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tenant keys
const (
	TenantIDKey     = "tenant_id"
	TenantHeaderKey = "X-Tenant-ID"
)

// TenantMiddlewareConfig holds configuration for tenant middleware
type TenantMiddlewareConfig struct {
	// HeaderEnabled accepts X-Tenant-ID when the request carries no token claims
	HeaderEnabled bool
	// SkipPaths are paths that don't require tenant context
	SkipPaths []string
	Logger    *zap.Logger
}

// DefaultTenantConfig returns default tenant middleware configuration
func DefaultTenantConfig() TenantMiddlewareConfig {
	return TenantMiddlewareConfig{
		HeaderEnabled: true,
		SkipPaths:     []string{"/health", "/api/v1/system/ping"},
	}
}

// TenantMiddleware resolves the tenant of the request. Token claims win; an
// X-Tenant-ID header must agree with them. Without claims the header is used
// when enabled. Requests without a tenant are rejected.
func TenantMiddleware(cfg TenantMiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		if slices.Contains(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		header := c.GetHeader(TenantHeaderKey)
		raw, method := c.GetString(JWTTenantIDKey), "jwt"
		if raw == "" && cfg.HeaderEnabled {
			raw, method = header, "header"
		}
		if raw == "" {
			abortWithError(c, dto.ErrCodeUnauthorized, "Tenant identification required")
			return
		}

		tenantID, err := uuid.Parse(raw)
		if err != nil {
			abortWithError(c, dto.ErrCodeUnauthorized, "Invalid tenant ID format")
			return
		}
		if method == "jwt" && header != "" {
			if headerID, err := uuid.Parse(header); err != nil || headerID != tenantID {
				logger.FromContext(c.Request.Context(), log).Warn("Tenant header does not match token",
					zap.String("header_tenant_id", header))
				abortWithError(c, dto.ErrCodeTenantMismatch, "Tenant does not match the authenticated tenant")
				return
			}
		}

		c.Set(TenantIDKey, tenantID)
		c.Request = c.Request.WithContext(logger.WithTenantID(c.Request.Context(), tenantID.String()))
		c.Next()
	}
}

// GetTenantID retrieves the tenant resolved by TenantMiddleware
func GetTenantID(c *gin.Context) (uuid.UUID, bool) {
	if v, exists := c.Get(TenantIDKey); exists {
		if id, ok := v.(uuid.UUID); ok && id != uuid.Nil {
			return id, true
		}
	}
	return uuid.Nil, false
}
