package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testJWTConfig = config.JWTConfig{
	Secret: "test-secret-key-at-least-32-chars",
	Issuer: "crm-platform",
	Leeway: time.Second,
}

func signTestToken(t *testing.T, tenantID uuid.UUID, ttl time.Duration, permissions ...string) string {
	t.Helper()
	token, err := auth.SignToken(testJWTConfig.Secret, auth.NewClaims(testJWTConfig, tenantID, uuid.New(), ttl, permissions...))
	require.NoError(t, err)
	return token
}

// newAuthRouter wires the same chain as the API: request ID, JWT, tenant
func newAuthRouter(t *testing.T, handlers ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtCfg := DefaultJWTConfig(auth.NewTokenVerifier(testJWTConfig))
	jwtCfg.Logger = zaptest.NewLogger(t)
	tenantCfg := DefaultTenantConfig()
	tenantCfg.Logger = zaptest.NewLogger(t)

	router := gin.New()
	router.Use(RequestID(), JWTAuthMiddleware(jwtCfg), TenantMiddleware(tenantCfg))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/analytics/overview", handlers...)
	return router
}

func get(router http.Handler, token string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/overview", nil)
	if token != "" {
		req.Header.Set(AuthHeaderKey, BearerPrefix+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuthMiddleware(t *testing.T) {
	tenantID := uuid.New()

	t.Run("valid token populates the contexts", func(t *testing.T) {
		var claims *auth.Claims
		var ctxTenant, ctxUser string
		var resolved uuid.UUID
		router := newAuthRouter(t, func(c *gin.Context) {
			claims = GetJWTClaims(c)
			ctxTenant = logger.TenantID(c.Request.Context())
			ctxUser = logger.UserID(c.Request.Context())
			resolved, _ = GetTenantID(c)
			c.Status(http.StatusOK)
		})

		w := get(router, signTestToken(t, tenantID, time.Minute, auth.PermissionAnalyticsRead), nil)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, claims)
		assert.Equal(t, tenantID.String(), claims.TenantID)
		assert.Equal(t, tenantID.String(), ctxTenant)
		assert.Equal(t, claims.UserID, ctxUser)
		assert.Equal(t, tenantID, resolved)
	})

	t.Run("missing header", func(t *testing.T) {
		w := get(newAuthRouter(t), "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeUnauthorized, decodeError(t, w).Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		w := get(newAuthRouter(t), "", map[string]string{AuthHeaderKey: "Basic dXNlcjpwYXNz"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		w := get(newAuthRouter(t), signTestToken(t, tenantID, -time.Hour), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		errInfo := decodeError(t, w)
		assert.Equal(t, dto.ErrCodeTokenExpired, errInfo.Code)
		assert.NotEmpty(t, errInfo.RequestID)
	})

	t.Run("tampered token", func(t *testing.T) {
		token := signTestToken(t, tenantID, time.Minute) + "x"
		w := get(newAuthRouter(t), token, nil)
		assert.Equal(t, dto.ErrCodeTokenInvalid, decodeError(t, w).Code)
	})

	t.Run("skip paths stay public", func(t *testing.T) {
		w := httptest.NewRecorder()
		newAuthRouter(t).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuthErrorCode(t *testing.T) {
	code, _ := authErrorCode(auth.ErrTokenRevoked)
	assert.Equal(t, dto.ErrCodeTokenRevoked, code)
	code, _ = authErrorCode(auth.ErrMissingTenantID)
	assert.Equal(t, dto.ErrCodeTokenInvalid, code)
	code, _ = authErrorCode(assert.AnError)
	assert.Equal(t, dto.ErrCodeUnauthorized, code)
}
