package logger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GinOption configures the request logging middleware
type GinOption func(*ginConfig)

type ginConfig struct {
	skipPaths map[string]struct{}
}

// WithSkipPaths disables logging of successful requests to the given paths,
// e.g. health probes
func WithSkipPaths(paths ...string) GinOption {
	return func(c *ginConfig) {
		for _, p := range paths {
			c.skipPaths[p] = struct{}{}
		}
	}
}

// GinMiddleware logs one entry per HTTP request with its status, latency and
// the correlation fields from the request context
func GinMiddleware(logger *zap.Logger, opts ...GinOption) gin.HandlerFunc {
	cfg := &ginConfig{skipPaths: map[string]struct{}{}}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		if _, skip := cfg.skipPaths[path]; skip && status < http.StatusBadRequest {
			return
		}

		fields := append(Fields(c.Request.Context()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		)
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("HTTP Request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("HTTP Request", fields...)
		default:
			logger.Info("HTTP Request", fields...)
		}
	}
}

// Recovery turns a panic in a handler into a 500 response and logs it
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic recovered",
					append(Fields(c.Request.Context()),
						zap.String("method", c.Request.Method),
						zap.String("path", c.Request.URL.Path),
						zap.Any("panic", rec),
						zap.Stack("stacktrace"),
					)...,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error": gin.H{
						"code":    "INTERNAL_ERROR",
						"message": "An unexpected error occurred",
					},
				})
			}
		}()
		c.Next()
	}
}
