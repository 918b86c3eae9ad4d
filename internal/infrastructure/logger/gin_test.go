package logger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRouter(log *zap.Logger, opts ...GinOption) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := WithRequestID(c.Request.Context(), "req-42")
		c.Request = c.Request.WithContext(WithTenantID(ctx, "tenant-7"))
		c.Next()
	})
	r.Use(Recovery(log), GinMiddleware(log, opts...))
	r.GET("/api/v1/analytics/overview", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	r.GET("/api/v1/analytics/sellers", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false})
	})
	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func serve(r http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestGinMiddleware(t *testing.T) {
	t.Run("logs requests with correlation fields", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		r := newTestRouter(zap.New(core))

		w := serve(r, "/api/v1/analytics/overview?months=6")
		require.Equal(t, http.StatusOK, w.Code)

		entries := logs.FilterMessage("HTTP Request").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)

		fields := entries[0].ContextMap()
		assert.Equal(t, "req-42", fields["request_id"])
		assert.Equal(t, "tenant-7", fields["tenant_id"])
		assert.Equal(t, "/api/v1/analytics/overview", fields["route"])
		assert.Equal(t, "months=6", fields["query"])
		assert.Equal(t, int64(http.StatusOK), fields["status"])
	})

	t.Run("client errors log at warn", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		serve(newTestRouter(zap.New(core)), "/api/v1/analytics/sellers")

		entries := logs.FilterMessage("HTTP Request").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	})

	t.Run("skip paths are not logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		serve(newTestRouter(zap.New(core), WithSkipPaths("/health")), "/health")
		assert.Zero(t, logs.Len())
	})
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := serve(newTestRouter(zap.New(core)), "/panic")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)

	panics := logs.FilterMessage("Panic recovered").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "boom", panics[0].ContextMap()["panic"])
	assert.Equal(t, "req-42", panics[0].ContextMap()["request_id"])
}
