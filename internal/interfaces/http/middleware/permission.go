package middleware

import (
	"slices"

	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PermissionConfig holds configuration for permission middleware
type PermissionConfig struct {
	Logger *zap.Logger
}

// RequirePermission creates middleware that requires a specific permission
func RequirePermission(permission string) gin.HandlerFunc {
	return RequireAnyPermissionWithConfig(PermissionConfig{}, permission)
}

// RequireAnyPermissionWithConfig requires at least one of permissions in the
// token claims
func RequireAnyPermissionWithConfig(cfg PermissionConfig, permissions ...string) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			abortWithError(c, dto.ErrCodeUnauthorized, "Authentication required")
			return
		}

		if !slices.ContainsFunc(permissions, claims.HasPermission) {
			logger.FromContext(c.Request.Context(), log).Warn("Permission denied",
				zap.Strings("required_permissions", permissions),
				zap.Strings("user_permissions", claims.Permissions),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			abortWithError(c, dto.ErrCodeForbidden, "Access denied: insufficient permissions")
			return
		}
		c.Next()
	}
}

// HasPermission reports whether the authenticated token grants permission
func HasPermission(c *gin.Context, permission string) bool {
	claims := GetJWTClaims(c)
	return claims != nil && claims.HasPermission(permission)
}
