package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// AnalyticsMetrics records query cache activity and aggregation outcomes
type AnalyticsMetrics struct {
	logger *zap.Logger

	cacheHits          *Counter
	cacheMisses        *Counter
	cacheInvalidations *Counter
	fallbacks          *Counter
	fetchDuration      *Histogram
}

// NewAnalyticsMetrics creates the analytics instruments on meter
func NewAnalyticsMetrics(meter metric.Meter, logger *zap.Logger) (*AnalyticsMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &AnalyticsMetrics{logger: logger}

	var err error
	if m.cacheHits, err = NewCounter(meter, "analytics.cache.hits",
		"Analytics results served from the query cache", "{requests}"); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = NewCounter(meter, "analytics.cache.misses",
		"Analytics results fetched because they were missing or stale", "{requests}"); err != nil {
		return nil, err
	}
	if m.cacheInvalidations, err = NewCounter(meter, "analytics.cache.invalidations",
		"Cached analytics results marked stale", "{entries}"); err != nil {
		return nil, err
	}
	if m.fallbacks, err = NewCounter(meter, "analytics.fallback",
		"Analytics results served from a fallback source", "{responses}"); err != nil {
		return nil, err
	}
	if m.fetchDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "analytics.fetch.duration",
		Description: "Duration of one analytics data fetch",
		Unit:        "s",
		Boundaries:  FetchDurationBuckets,
	}); err != nil {
		return nil, err
	}

	return m, nil
}

// CacheHit records a result served from cache
func (m *AnalyticsMetrics) CacheHit(ctx context.Context, entity string) {
	m.cacheHits.Inc(ctx, AttrQuery.String(entity))
}

// CacheMiss records a fetch caused by a missing or stale entry
func (m *AnalyticsMetrics) CacheMiss(ctx context.Context, entity string, stale bool) {
	m.cacheMisses.Inc(ctx, AttrQuery.String(entity), AttrStale.Bool(stale))
}

// CacheInvalidated records entries marked stale by one invalidation
func (m *AnalyticsMetrics) CacheInvalidated(ctx context.Context, scope string, entries int) {
	m.cacheInvalidations.Add(ctx, int64(entries), AttrScope.String(scope))
}

// RecordFetch records the duration and outcome of one aggregation fetch
func (m *AnalyticsMetrics) RecordFetch(ctx context.Context, query string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetchDuration.RecordDuration(ctx, d, AttrQuery.String(query), AttrOutcome.String(outcome))
}

// RecordFallback records a result served from source instead of live data
func (m *AnalyticsMetrics) RecordFallback(ctx context.Context, query, source string) {
	m.fallbacks.Inc(ctx, AttrQuery.String(query), AttrSource.String(source))
	m.logger.Debug("analytics fallback recorded",
		zap.String("query", query),
		zap.String("source", source))
}

// MetricsError is returned when metrics cannot be created
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}

// ErrMeterNil is returned when no meter is supplied
var ErrMeterNil = &MetricsError{Op: "NewAnalyticsMetrics", Err: "meter cannot be nil"}
