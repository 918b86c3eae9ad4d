package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger checks a backing dependency; *sql.DB satisfies it
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SystemHandler handles health and system endpoints
type SystemHandler struct {
	BaseHandler
	db          Pinger
	version     string
	startTime   time.Time
	pingTimeout time.Duration
}

// NewSystemHandler creates a SystemHandler. A nil db reports healthy
// without a database check.
func NewSystemHandler(db Pinger, version string, logger *zap.Logger) *SystemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemHandler{
		BaseHandler: BaseHandler{logger: logger},
		db:          db,
		version:     version,
		startTime:   time.Now(),
		pingTimeout: 2 * time.Second,
	}
}

// HealthResponse is the body of the health check
type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// PingResponse represents the ping response
type PingResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Health pings the database and answers 503 when it is unreachable
func (h *SystemHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Database:  "disabled",
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.pingTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			h.log(c).Warn("Health check failed", zap.Error(err))
			resp.Status = "unhealthy"
			resp.Database = "unreachable"
			c.JSON(http.StatusServiceUnavailable, dto.Response{
				Success: false,
				Data:    resp,
				Error:   &dto.ErrorInfo{Code: dto.ErrCodeDataUnavailable, Message: "Database is unreachable"},
			})
			return
		}
		resp.Database = "ok"
	}

	h.Success(c, resp)
}

// Ping answers without touching any dependency
func (h *SystemHandler) Ping(c *gin.Context) {
	h.Success(c, PingResponse{
		Message:   "pong",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
