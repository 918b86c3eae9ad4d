package handler

import (
	"context"
	"time"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnalyticsService is the cached analytics API consumed by the handler
type AnalyticsService interface {
	Overview(ctx context.Context, f analytics.Filter) (*analytics.Overview, error)
	MonthlyTrend(ctx context.Context, f analytics.Filter) (*analytics.MonthlyTrend, error)
	BySeller(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error)
	ByProduct(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error)
	ByChannel(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error)
	Funnel(ctx context.Context, f analytics.Filter) (*analytics.FunnelReport, error)
	MarketingPerformance(ctx context.Context, f analytics.Filter) (*analytics.MarketingReport, error)
	Invalidate(ctx context.Context, entity crm.EntityType) int
	ForceRefresh(ctx context.Context) (int, error)
	Stats() cache.Stats
}

// AnalyticsHandler serves the dashboard endpoints
type AnalyticsHandler struct {
	BaseHandler
	service      AnalyticsService
	windowMonths int
	now          func() time.Time
}

// AnalyticsHandlerOption configures an AnalyticsHandler
type AnalyticsHandlerOption func(*AnalyticsHandler)

// WithDefaultWindow sets the number of months covered when no dates are given
func WithDefaultWindow(months int) AnalyticsHandlerOption {
	return func(h *AnalyticsHandler) {
		if months > 0 {
			h.windowMonths = months
		}
	}
}

// WithHandlerLogger sets the logger used for unexpected errors
func WithHandlerLogger(logger *zap.Logger) AnalyticsHandlerOption {
	return func(h *AnalyticsHandler) {
		h.logger = logger
	}
}

// WithHandlerClock overrides the clock used for default windows
func WithHandlerClock(now func() time.Time) AnalyticsHandlerOption {
	return func(h *AnalyticsHandler) {
		h.now = now
	}
}

// NewAnalyticsHandler creates an AnalyticsHandler
func NewAnalyticsHandler(service AnalyticsService, opts ...AnalyticsHandlerOption) *AnalyticsHandler {
	h := &AnalyticsHandler{
		service:      service,
		windowMonths: 12,
		now:          time.Now,
	}
	h.logger = zap.NewNop()
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FilterQuery holds the filter query parameters shared by every report
type FilterQuery struct {
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
	SellerID  string `form:"seller_id" binding:"omitempty,uuid"`
	Channel   string `form:"channel" binding:"omitempty,max=100"`
}

// InvalidateRequest selects the entity whose cached results become stale
type InvalidateRequest struct {
	Entity string `json:"entity" binding:"required,max=64"`
}

// InvalidateResponse reports how many cached results were affected
type InvalidateResponse struct {
	Entity      string `json:"entity,omitempty"`
	Invalidated int    `json:"invalidated"`
}

// RefreshResponse reports how many cached results were re-fetched
type RefreshResponse struct {
	Refreshed int `json:"refreshed"`
}

// filter builds the analytics filter of the request. Missing dates fall back
// to the default window ending today.
func (h *AnalyticsHandler) filter(c *gin.Context) (analytics.Filter, bool) {
	var q FilterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return analytics.Filter{}, false
	}

	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		h.Error(c, dto.ErrCodeUnauthorized, "Tenant identification required")
		return analytics.Filter{}, false
	}

	f := analytics.DefaultFilter(tenantID, h.now(), h.windowMonths)
	if q.StartDate != "" {
		f.StartDate, _ = time.Parse(time.DateOnly, q.StartDate)
	}
	if q.EndDate != "" {
		f.EndDate, _ = time.Parse(time.DateOnly, q.EndDate)
	}
	if q.SellerID != "" {
		sellerID := uuid.MustParse(q.SellerID)
		f.SellerID = &sellerID
	}
	f.Channel = q.Channel
	if err := f.Validate(); err != nil {
		h.HandleError(c, err)
		return analytics.Filter{}, false
	}
	return f, true
}

// serve runs one report query and writes the envelope
func serve[T any](h *AnalyticsHandler, c *gin.Context, run func(context.Context, analytics.Filter) (T, error)) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	result, err := run(c.Request.Context(), f)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Overview returns the full dashboard
func (h *AnalyticsHandler) Overview(c *gin.Context) {
	serve(h, c, h.service.Overview)
}

// MonthlyTrend returns the monthly buckets of the window
func (h *AnalyticsHandler) MonthlyTrend(c *gin.Context) {
	serve(h, c, h.service.MonthlyTrend)
}

// Sellers returns the per-seller summary
func (h *AnalyticsHandler) Sellers(c *gin.Context) {
	serve(h, c, h.service.BySeller)
}

// Products returns the per-product summary
func (h *AnalyticsHandler) Products(c *gin.Context) {
	serve(h, c, h.service.ByProduct)
}

// Channels returns the per-channel summary
func (h *AnalyticsHandler) Channels(c *gin.Context) {
	serve(h, c, h.service.ByChannel)
}

// Funnel returns the opportunity funnel
func (h *AnalyticsHandler) Funnel(c *gin.Context) {
	serve(h, c, h.service.Funnel)
}

// Marketing returns channel performance joined with ad platform metrics
func (h *AnalyticsHandler) Marketing(c *gin.Context) {
	serve(h, c, h.service.MarketingPerformance)
}

// Refresh marks every cached result stale on every instance and re-fetches
// the local ones
func (h *AnalyticsHandler) Refresh(c *gin.Context) {
	n, err := h.service.ForceRefresh(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, RefreshResponse{Refreshed: n})
}

// CacheStats returns the query cache counters
func (h *AnalyticsHandler) CacheStats(c *gin.Context) {
	h.Success(c, h.service.Stats())
}

// Invalidate marks the cached results depending on one entity stale
func (h *AnalyticsHandler) Invalidate(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	entity, err := crm.ParseEntityType(req.Entity)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	n := h.service.Invalidate(c.Request.Context(), entity)
	h.Success(c, InvalidateResponse{Entity: string(entity), Invalidated: n})
}
