package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InvalidationPublisher broadcasts local invalidations to other instances
type InvalidationPublisher interface {
	PublishEntity(ctx context.Context, entity string) error
	PublishAll(ctx context.Context) error
}

// CachedService serves analytics read models through the query cache. Results
// are fetched on first access, served unchanged within the staleness window,
// and re-fetched after the window elapses or a dependent entity changes.
// Fallback results are never cached.
type CachedService struct {
	service     *Service
	cache       *cache.QueryCache
	publisher   InvalidationPublisher
	logger      *zap.Logger
	warmTenants []uuid.UUID
	warmMonths  int
	now         func() time.Time
}

// CachedServiceOption is a functional option for configuring the cached service
type CachedServiceOption func(*CachedService)

// WithInvalidationPublisher sets the relay used to fan out manual invalidations
func WithInvalidationPublisher(p InvalidationPublisher) CachedServiceOption {
	return func(c *CachedService) {
		c.publisher = p
	}
}

// WithCachedLogger sets the logger
func WithCachedLogger(logger *zap.Logger) CachedServiceOption {
	return func(c *CachedService) {
		c.logger = logger
	}
}

// WithWarmup sets the tenants whose default overview is re-warmed on refresh
func WithWarmup(tenants []uuid.UUID, months int) CachedServiceOption {
	return func(c *CachedService) {
		c.warmTenants = tenants
		c.warmMonths = months
	}
}

// NewCachedService wraps service with the query cache
func NewCachedService(service *Service, queryCache *cache.QueryCache, opts ...CachedServiceOption) *CachedService {
	c := &CachedService{
		service:    service,
		cache:      queryCache,
		logger:     zap.NewNop(),
		warmMonths: 12,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// cachedQuery resolves one query through the cache, degrading to fallback on
// fetch failure
func cachedQuery[T any](
	ctx context.Context,
	c *CachedService,
	q analytics.Query,
	f analytics.Filter,
	compute func(context.Context, analytics.Filter) (*T, error),
	degrade func(context.Context, analytics.Filter, error) (*T, error),
) (*T, error) {
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}

	v, err := c.cache.GetOrFetch(ctx, analytics.NewQueryKey(q, f), q.Dependencies(), func(ctx context.Context) (any, error) {
		return compute(ctx, f)
	})
	if err != nil {
		return degrade(ctx, f, err)
	}

	result, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("unexpected cached value %T for %s", v, q)
	}
	return result, nil
}

// Overview returns the full dashboard for a filter
func (c *CachedService) Overview(ctx context.Context, f analytics.Filter) (*analytics.Overview, error) {
	return cachedQuery(ctx, c, analytics.QueryOverview, f, c.service.computeOverview,
		func(ctx context.Context, f analytics.Filter, err error) (*analytics.Overview, error) {
			return c.service.degrade(ctx, analytics.QueryOverview, f, err)
		})
}

// MonthlyTrend returns the monthly buckets of the window
func (c *CachedService) MonthlyTrend(ctx context.Context, f analytics.Filter) (*analytics.MonthlyTrend, error) {
	return cachedQuery(ctx, c, analytics.QueryMonthlyTrend, f, c.service.computeMonthlyTrend, c.service.degradeMonthlyTrend)
}

// BySeller summarizes revenue and deals per seller
func (c *CachedService) BySeller(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
	return c.byDimension(ctx, analytics.DimensionSeller, f)
}

// ByProduct summarizes revenue and deals per product
func (c *CachedService) ByProduct(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
	return c.byDimension(ctx, analytics.DimensionProduct, f)
}

// ByChannel summarizes revenue and deals per acquisition channel
func (c *CachedService) ByChannel(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
	return c.byDimension(ctx, analytics.DimensionChannel, f)
}

func (c *CachedService) byDimension(ctx context.Context, dim analytics.Dimension, f analytics.Filter) (*analytics.DimensionReport, error) {
	return cachedQuery(ctx, c, dimensionQuery(dim), f,
		func(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
			return c.service.computeDimension(ctx, dim, f)
		},
		func(ctx context.Context, f analytics.Filter, err error) (*analytics.DimensionReport, error) {
			return c.service.degradeDimension(ctx, dim, f, err)
		})
}

// Funnel returns opportunity counts per pipeline stage
func (c *CachedService) Funnel(ctx context.Context, f analytics.Filter) (*analytics.FunnelReport, error) {
	return cachedQuery(ctx, c, analytics.QueryFunnel, f, c.service.computeFunnel, c.service.degradeFunnel)
}

// MarketingPerformance joins ad platform metrics with channel revenue
func (c *CachedService) MarketingPerformance(ctx context.Context, f analytics.Filter) (*analytics.MarketingReport, error) {
	return cachedQuery(ctx, c, analytics.QueryMarketing, f, c.service.computeMarketing, c.service.degradeMarketing)
}

// Invalidate marks every cached result depending on entity stale, locally and
// on other instances
func (c *CachedService) Invalidate(ctx context.Context, entity crm.EntityType) int {
	n := c.cache.Invalidate(ctx, entity)
	if c.publisher != nil {
		if err := c.publisher.PublishEntity(ctx, string(entity)); err != nil {
			c.logger.Warn("Failed to relay cache invalidation",
				zap.String("entity", string(entity)),
				zap.Error(err))
		}
	}
	return n
}

// InvalidateAll marks every cached result stale, locally and on other instances
func (c *CachedService) InvalidateAll(ctx context.Context) int {
	n := c.cache.InvalidateAll(ctx)
	c.publishAll(ctx)
	return n
}

func (c *CachedService) publishAll(ctx context.Context) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishAll(ctx); err != nil {
		c.logger.Warn("Failed to relay cache invalidation", zap.Error(err))
	}
}

// Local returns the invalidator for changes every instance observes itself,
// such as database notifications. Its invalidations are not relayed.
func (c *CachedService) Local() EntityInvalidator {
	return c.cache
}

// ApplyRemote applies an invalidation received from another instance
func (c *CachedService) ApplyRemote(ctx context.Context, msg cache.InvalidationMessage) {
	switch msg.Scope {
	case cache.ScopeAll:
		c.cache.InvalidateAll(ctx)
	case cache.ScopeKey:
		c.cache.InvalidateKey(ctx, analytics.QueryKey{Entity: msg.Key, Filters: msg.Filters})
	case cache.ScopeEntity:
		entity, err := crm.ParseEntityType(msg.Entity)
		if err != nil {
			c.logger.Warn("Ignoring invalidation for unknown entity",
				zap.String("entity", msg.Entity),
				zap.String("origin", msg.Origin))
			return
		}
		c.cache.Invalidate(ctx, entity)
	default:
		c.logger.Warn("Ignoring invalidation with unknown scope",
			zap.String("scope", string(msg.Scope)),
			zap.String("origin", msg.Origin))
	}
}

// ForceRefresh asks other instances to mark every result stale, then
// refreshes the local cache like Refresh
func (c *CachedService) ForceRefresh(ctx context.Context) (int, error) {
	c.publishAll(ctx)
	return c.Refresh(ctx)
}

// Refresh re-fetches every cached result, then warms the default overview of
// the configured tenants. It returns the number of results fetched. Other
// instances are not notified.
func (c *CachedService) Refresh(ctx context.Context) (int, error) {
	c.service.purgeMarketing()
	refreshed, err := c.cache.Refresh(ctx)
	if err != nil {
		return refreshed, err
	}
	warmed, err := c.Warm(ctx)
	return refreshed + warmed, err
}

// Warm loads the default overview of each configured tenant that is not
// already cached
func (c *CachedService) Warm(ctx context.Context) (int, error) {
	warmed := 0
	for _, tenantID := range c.warmTenants {
		f := analytics.DefaultFilter(tenantID, c.now(), c.warmMonths)
		if _, ok := c.cache.Get(analytics.NewQueryKey(analytics.QueryOverview, f)); ok {
			continue
		}
		ov, err := c.Overview(ctx, f)
		if err != nil {
			return warmed, fmt.Errorf("warm overview for tenant %s: %w", tenantID, err)
		}
		if !ov.Fallback {
			warmed++
		}
	}
	return warmed, nil
}

// Stats returns cache statistics
func (c *CachedService) Stats() cache.Stats {
	return c.cache.Stats()
}
