// Package router assembles the gin engine of the analytics API.
package router

import (
	"net/http"

	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/crm/backend/internal/interfaces/http/handler"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	middleware []gin.HandlerFunc
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// WithAPIMiddleware adds middleware applied to every versioned API route
func WithAPIMiddleware(mw ...gin.HandlerFunc) RouterOption {
	return func(r *Router) {
		r.middleware = append(r.middleware, mw...)
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a RouteRegistrar to be registered by Setup
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes under /api/<version>
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	if len(r.middleware) > 0 {
		api.Use(r.middleware...)
	}
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// DomainGroup is a route group registered under the API prefix
type DomainGroup struct {
	name       string
	prefix     string
	routes     []routeDefinition
	middleware []gin.HandlerFunc
}

type routeDefinition struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewDomainGroup creates a new domain-specific route group
func NewDomainGroup(name, prefix string) *DomainGroup {
	return &DomainGroup{name: name, prefix: prefix}
}

// Use adds middleware to this group
func (dg *DomainGroup) Use(middleware ...gin.HandlerFunc) *DomainGroup {
	dg.middleware = append(dg.middleware, middleware...)
	return dg
}

// GET registers a GET route
func (dg *DomainGroup) GET(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodGet, path, handlers)
}

// POST registers a POST route
func (dg *DomainGroup) POST(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodPost, path, handlers)
}

func (dg *DomainGroup) handle(method, path string, handlers []gin.HandlerFunc) *DomainGroup {
	dg.routes = append(dg.routes, routeDefinition{method: method, path: path, handlers: handlers})
	return dg
}

// RegisterRoutes implements RouteRegistrar
func (dg *DomainGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(dg.prefix)
	if len(dg.middleware) > 0 {
		group.Use(dg.middleware...)
	}
	for _, route := range dg.routes {
		group.Handle(route.method, route.path, route.handlers...)
	}
}

// Name returns the group name
func (dg *DomainGroup) Name() string {
	return dg.name
}

// Prefix returns the group prefix
func (dg *DomainGroup) Prefix() string {
	return dg.prefix
}

// AnalyticsRoutes builds the /analytics group. Reports need analytics:read;
// cache management needs analytics:manage.
func AnalyticsRoutes(h *handler.AnalyticsHandler, log *zap.Logger) *DomainGroup {
	perm := middleware.PermissionConfig{Logger: log}
	read := middleware.RequireAnyPermissionWithConfig(perm, auth.PermissionAnalyticsRead, auth.PermissionAnalyticsManage)
	manage := middleware.RequireAnyPermissionWithConfig(perm, auth.PermissionAnalyticsManage)

	return NewDomainGroup("analytics", "/analytics").
		GET("/overview", read, h.Overview).
		GET("/monthly-trend", read, h.MonthlyTrend).
		GET("/sellers", read, h.Sellers).
		GET("/products", read, h.Products).
		GET("/channels", read, h.Channels).
		GET("/funnel", read, h.Funnel).
		GET("/marketing", read, h.Marketing).
		GET("/cache/stats", read, h.CacheStats).
		POST("/refresh", manage, h.Refresh).
		POST("/cache/invalidate", manage, h.Invalidate)
}

// SystemRoutes builds the /system group
func SystemRoutes(h *handler.SystemHandler) *DomainGroup {
	return NewDomainGroup("system", "/system").GET("/ping", h.Ping)
}

// EngineConfig holds everything New needs to assemble the engine
type EngineConfig struct {
	Logger      *zap.Logger
	Verifier    middleware.TokenVerifier
	Analytics   *handler.AnalyticsHandler
	System      *handler.SystemHandler
	CORS        middleware.CORSConfig
	Tracing     middleware.TracingConfig
	Metrics     gin.HandlerFunc
	MaxBodySize int64
	// TenantHeader accepts X-Tenant-ID for requests without token claims
	TenantHeader   bool
	TrustedProxies []string
}

// New assembles the gin engine: global middleware, the public health
// endpoints and the authenticated API
func New(cfg EngineConfig) (*gin.Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	middleware.SetupValidator()

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.Tracing(cfg.Tracing),
		logger.GinMiddleware(log, logger.WithSkipPaths("/health")),
		middleware.Secure(),
		middleware.CORSWithConfig(cfg.CORS),
		middleware.BodyLimit(cfg.MaxBodySize),
	)
	if cfg.Metrics != nil {
		engine.Use(cfg.Metrics)
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeNotFound, "Route not found", middleware.GetRequestID(c)))
	})

	public := []string{"/health", "/api/v1/system/ping"}
	engine.GET("/health", cfg.System.Health)

	jwtCfg := middleware.DefaultJWTConfig(cfg.Verifier)
	jwtCfg.SkipPaths = public
	jwtCfg.Logger = log
	tenantCfg := middleware.DefaultTenantConfig()
	tenantCfg.SkipPaths = public
	tenantCfg.HeaderEnabled = cfg.TenantHeader
	tenantCfg.Logger = log

	r := NewRouter(engine, WithAPIMiddleware(
		middleware.JWTAuthMiddleware(jwtCfg),
		middleware.TenantMiddleware(tenantCfg),
		middleware.TracingAttributeInjector(),
	))
	r.Register(SystemRoutes(cfg.System))
	r.Register(AnalyticsRoutes(cfg.Analytics, log))
	r.Setup()

	return engine, nil
}
