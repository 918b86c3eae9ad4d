package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultQueryTimeout bounds one aggregation run
const DefaultQueryTimeout = 15 * time.Second

// Metrics records aggregation outcomes
type Metrics interface {
	RecordFetch(ctx context.Context, query string, d time.Duration, err error)
	RecordFallback(ctx context.Context, query, source string)
}

// SnapshotStore keeps the last successfully computed overview per filter
type SnapshotStore interface {
	Save(ctx context.Context, key string, value any) error
	Load(ctx context.Context, key string, dst any) (bool, error)
}

// source selects which record sets a run fetches
type source uint8

const (
	srcOpportunities source = 1 << iota
	srcDeals
	srcQuotes
	srcTransactions
	srcMarketing

	srcAll = srcOpportunities | srcDeals | srcQuotes | srcTransactions | srcMarketing
)

// dataset is the snapshot of records one run operates on
type dataset struct {
	opportunities []crm.Opportunity
	deals         []crm.Deal
	quotes        []crm.Quote
	transactions  []crm.Transaction
	campaigns     []analytics.CampaignMetric
	marketingErr  error
}

// Service fans out record queries and reduces them into analytics read models.
// When a fetch fails it serves the last snapshot or the static dataset,
// flagged as fallback, unless fallback is disabled.
type Service struct {
	reader          crm.RecordReader
	marketing       analytics.MarketingSource
	snapshots       SnapshotStore
	metrics         Metrics
	logger          *zap.Logger
	fallbackEnabled bool
	queryTimeout    time.Duration
	now             func() time.Time
}

// ServiceOption is a functional option for configuring the service
type ServiceOption func(*Service)

// WithMarketingSource sets the ad platform client
func WithMarketingSource(m analytics.MarketingSource) ServiceOption {
	return func(s *Service) {
		s.marketing = m
	}
}

// WithSnapshotStore sets the store of last good overviews
func WithSnapshotStore(store SnapshotStore) ServiceOption {
	return func(s *Service) {
		s.snapshots = store
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithFallback enables or disables the static dataset fallback
func WithFallback(enabled bool) ServiceOption {
	return func(s *Service) {
		s.fallbackEnabled = enabled
	}
}

// WithQueryTimeout bounds each aggregation run
func WithQueryTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithServiceClock overrides the time source
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an analytics service reading from reader
func NewService(reader crm.RecordReader, opts ...ServiceOption) *Service {
	s := &Service{
		reader:          reader,
		logger:          zap.NewNop(),
		fallbackEnabled: true,
		queryTimeout:    DefaultQueryTimeout,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// prepare normalizes and validates a filter
func prepare(f analytics.Filter) (analytics.Filter, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// load fetches the requested record sets concurrently. A failed marketing fetch
// is recorded on the dataset and does not fail the run.
func (s *Service) load(ctx context.Context, query analytics.Query, f analytics.Filter, need source) (*dataset, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "analytics", "load")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrTenantID, f.TenantID.String(),
		telemetry.SpanAttrQuery, string(query),
	)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	rf := f.RecordFilter()
	ds := &dataset{}

	g, gctx := errgroup.WithContext(ctx)
	if need&srcOpportunities != 0 {
		g.Go(func() error {
			rows, err := s.reader.FindOpportunities(gctx, rf)
			if err != nil {
				return fmt.Errorf("fetch opportunities: %w", err)
			}
			ds.opportunities = rows
			return nil
		})
	}
	if need&srcDeals != 0 {
		g.Go(func() error {
			rows, err := s.reader.FindDeals(gctx, rf)
			if err != nil {
				return fmt.Errorf("fetch deals: %w", err)
			}
			ds.deals = rows
			return nil
		})
	}
	if need&srcQuotes != 0 {
		g.Go(func() error {
			rows, err := s.reader.FindQuotes(gctx, rf)
			if err != nil {
				return fmt.Errorf("fetch quotes: %w", err)
			}
			ds.quotes = rows
			return nil
		})
	}
	if need&srcTransactions != 0 {
		g.Go(func() error {
			rows, err := s.reader.FindTransactions(gctx, rf)
			if err != nil {
				return fmt.Errorf("fetch transactions: %w", err)
			}
			ds.transactions = rows
			return nil
		})
	}
	if need&srcMarketing != 0 && s.marketing != nil {
		g.Go(func() error {
			from, to := f.Window()
			rows, err := s.marketing.CampaignMetrics(gctx, from, to)
			if err != nil {
				ds.marketingErr = err
				s.logger.Warn("Marketing metrics unavailable",
					zap.String("tenant_id", f.TenantID.String()),
					zap.Error(err))
				return nil
			}
			ds.campaigns = campaignsForChannel(rows, f.Channel)
			return nil
		})
	}

	err := g.Wait()
	if s.metrics != nil {
		s.metrics.RecordFetch(ctx, string(query), time.Since(start), err)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return ds, nil
}

// purger is implemented by marketing sources that cache responses
type purger interface {
	Purge()
}

// purgeMarketing drops responses cached by the marketing source
func (s *Service) purgeMarketing() {
	if p, ok := s.marketing.(purger); ok {
		p.Purge()
	}
}

// campaignsForChannel keeps the campaigns of channel, matched like the
// record filter; an empty channel keeps all of them
func campaignsForChannel(campaigns []analytics.CampaignMetric, channel string) []analytics.CampaignMetric {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return campaigns
	}
	kept := make([]analytics.CampaignMetric, 0, len(campaigns))
	for _, c := range campaigns {
		if strings.EqualFold(crm.NormalizeDimension(c.Channel), channel) {
			kept = append(kept, c)
		}
	}
	return kept
}

// buildOverview reduces a dataset into the full overview
func buildOverview(f analytics.Filter, ds *dataset) *analytics.Overview {
	channels := SummarizeBy(analytics.DimensionChannel, ds.transactions, ds.deals)
	ov := &analytics.Overview{
		Period:    analytics.PeriodOf(f),
		KPIs:      ComputeKPIs(ds.opportunities, ds.deals, ds.quotes, ds.transactions),
		Monthly:   BuildMonthlyBuckets(f.Months(), ds.transactions, ds.deals, ds.opportunities),
		Sellers:   SummarizeBy(analytics.DimensionSeller, ds.transactions, ds.deals),
		Products:  SummarizeBy(analytics.DimensionProduct, ds.transactions, ds.deals),
		Channels:  channels,
		Funnel:    BuildFunnel(ds.opportunities),
		Marketing: JoinMarketing(ds.campaigns, channels),
	}
	if ds.marketingErr != nil {
		ov.MarketingError = ds.marketingErr.Error()
	}
	return ov
}

func (s *Service) computeOverview(ctx context.Context, f analytics.Filter) (*analytics.Overview, error) {
	ds, err := s.load(ctx, analytics.QueryOverview, f, srcAll)
	if err != nil {
		return nil, err
	}
	ov := buildOverview(f, ds)
	ov.GeneratedAt = s.now()

	if s.snapshots != nil {
		key := analytics.NewQueryKey(analytics.QueryOverview, f).String()
		if err := s.snapshots.Save(ctx, key, ov); err != nil {
			s.logger.Warn("Failed to save analytics snapshot",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return ov, nil
}

func (s *Service) computeMonthlyTrend(ctx context.Context, f analytics.Filter) (*analytics.MonthlyTrend, error) {
	ds, err := s.load(ctx, analytics.QueryMonthlyTrend, f, srcTransactions|srcDeals|srcOpportunities)
	if err != nil {
		return nil, err
	}
	return &analytics.MonthlyTrend{
		Provenance: analytics.Provenance{GeneratedAt: s.now()},
		Period:     analytics.PeriodOf(f),
		Months:     BuildMonthlyBuckets(f.Months(), ds.transactions, ds.deals, ds.opportunities),
	}, nil
}

func (s *Service) computeDimension(ctx context.Context, dim analytics.Dimension, f analytics.Filter) (*analytics.DimensionReport, error) {
	ds, err := s.load(ctx, dimensionQuery(dim), f, srcTransactions|srcDeals)
	if err != nil {
		return nil, err
	}
	return &analytics.DimensionReport{
		Provenance: analytics.Provenance{GeneratedAt: s.now()},
		Period:     analytics.PeriodOf(f),
		Dimension:  dim,
		Items:      SummarizeBy(dim, ds.transactions, ds.deals),
	}, nil
}

func (s *Service) computeFunnel(ctx context.Context, f analytics.Filter) (*analytics.FunnelReport, error) {
	ds, err := s.load(ctx, analytics.QueryFunnel, f, srcOpportunities)
	if err != nil {
		return nil, err
	}
	return &analytics.FunnelReport{
		Provenance: analytics.Provenance{GeneratedAt: s.now()},
		Period:     analytics.PeriodOf(f),
		Stages:     BuildFunnel(ds.opportunities),
	}, nil
}

func (s *Service) computeMarketing(ctx context.Context, f analytics.Filter) (*analytics.MarketingReport, error) {
	ds, err := s.load(ctx, analytics.QueryMarketing, f, srcTransactions|srcMarketing)
	if err != nil {
		return nil, err
	}
	report := &analytics.MarketingReport{
		Provenance: analytics.Provenance{GeneratedAt: s.now()},
		Period:     analytics.PeriodOf(f),
		Channels:   JoinMarketing(ds.campaigns, SummarizeBy(analytics.DimensionChannel, ds.transactions, nil)),
	}
	if ds.marketingErr != nil {
		report.Error = ds.marketingErr.Error()
	}
	return report, nil
}

func dimensionQuery(dim analytics.Dimension) analytics.Query {
	switch dim {
	case analytics.DimensionSeller:
		return analytics.QuerySellers
	case analytics.DimensionProduct:
		return analytics.QueryProducts
	default:
		return analytics.QueryChannels
	}
}

// degrade turns a failed run into a flagged fallback overview: the last
// snapshot for the filter when one exists, else the static dataset. With
// fallback disabled the failure is returned as ErrDataUnavailable.
func (s *Service) degrade(ctx context.Context, query analytics.Query, f analytics.Filter, cause error) (*analytics.Overview, error) {
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		return nil, cause
	}

	logger := s.logger.With(
		zap.String("query", string(query)),
		zap.String("tenant_id", f.TenantID.String()),
		zap.String("filter", f.Canonical()),
		zap.Error(cause),
	)

	if !s.fallbackEnabled {
		logger.Error("Analytics data unavailable")
		return nil, fmt.Errorf("%w: %v", shared.ErrDataUnavailable, cause)
	}

	if s.snapshots != nil {
		var snapshot analytics.Overview
		key := analytics.NewQueryKey(analytics.QueryOverview, f).String()
		found, err := s.snapshots.Load(ctx, key, &snapshot)
		if err != nil {
			logger.Warn("Failed to load analytics snapshot", zap.NamedError("snapshot_error", err))
		}
		if found {
			snapshot.Fallback = true
			snapshot.FallbackReason = "serving last snapshot: " + cause.Error()
			s.recordFallback(ctx, query, "snapshot")
			logger.Warn("Analytics fetch failed, serving last snapshot",
				zap.Time("snapshot_generated_at", snapshot.GeneratedAt))
			return &snapshot, nil
		}
	}

	ov := FallbackOverview(f)
	ov.GeneratedAt = s.now()
	ov.FallbackReason = cause.Error()
	s.recordFallback(ctx, query, "static")
	logger.Warn("Analytics fetch failed, serving static fallback dataset")
	return ov, nil
}

func (s *Service) recordFallback(ctx context.Context, query analytics.Query, source string) {
	if s.metrics != nil {
		s.metrics.RecordFallback(ctx, string(query), source)
	}
}

// Overview returns the full dashboard for a filter
func (s *Service) Overview(ctx context.Context, f analytics.Filter) (*analytics.Overview, error) {
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}
	ov, err := s.computeOverview(ctx, f)
	if err != nil {
		return s.degrade(ctx, analytics.QueryOverview, f, err)
	}
	return ov, nil
}

// MonthlyTrend returns the monthly buckets of the window
func (s *Service) MonthlyTrend(ctx context.Context, f analytics.Filter) (*analytics.MonthlyTrend, error) {
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}
	trend, err := s.computeMonthlyTrend(ctx, f)
	if err != nil {
		return s.degradeMonthlyTrend(ctx, f, err)
	}
	return trend, nil
}

func (s *Service) degradeMonthlyTrend(ctx context.Context, f analytics.Filter, cause error) (*analytics.MonthlyTrend, error) {
	ov, err := s.degrade(ctx, analytics.QueryMonthlyTrend, f, cause)
	if err != nil {
		return nil, err
	}
	return &analytics.MonthlyTrend{Provenance: ov.Provenance, Period: ov.Period, Months: ov.Monthly}, nil
}

// BySeller summarizes revenue and deals per seller
func (s *Service) BySeller(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
	return s.byDimension(ctx, analytics.DimensionSeller, f)
}

// ByProduct summarizes revenue and deals per product
func (s *Service) ByProduct(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
	return s.byDimension(ctx, analytics.DimensionProduct, f)
}

// ByChannel summarizes revenue and deals per acquisition channel
func (s *Service) ByChannel(ctx context.Context, f analytics.Filter) (*analytics.DimensionReport, error) {
	return s.byDimension(ctx, analytics.DimensionChannel, f)
}

func (s *Service) byDimension(ctx context.Context, dim analytics.Dimension, f analytics.Filter) (*analytics.DimensionReport, error) {
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}
	report, err := s.computeDimension(ctx, dim, f)
	if err != nil {
		return s.degradeDimension(ctx, dim, f, err)
	}
	return report, nil
}

func (s *Service) degradeDimension(ctx context.Context, dim analytics.Dimension, f analytics.Filter, cause error) (*analytics.DimensionReport, error) {
	ov, err := s.degrade(ctx, dimensionQuery(dim), f, cause)
	if err != nil {
		return nil, err
	}
	report := &analytics.DimensionReport{Provenance: ov.Provenance, Period: ov.Period, Dimension: dim}
	switch dim {
	case analytics.DimensionSeller:
		report.Items = ov.Sellers
	case analytics.DimensionProduct:
		report.Items = ov.Products
	default:
		report.Items = ov.Channels
	}
	return report, nil
}

// Funnel returns opportunity counts per pipeline stage
func (s *Service) Funnel(ctx context.Context, f analytics.Filter) (*analytics.FunnelReport, error) {
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}
	report, err := s.computeFunnel(ctx, f)
	if err != nil {
		return s.degradeFunnel(ctx, f, err)
	}
	return report, nil
}

func (s *Service) degradeFunnel(ctx context.Context, f analytics.Filter, cause error) (*analytics.FunnelReport, error) {
	ov, err := s.degrade(ctx, analytics.QueryFunnel, f, cause)
	if err != nil {
		return nil, err
	}
	return &analytics.FunnelReport{Provenance: ov.Provenance, Period: ov.Period, Stages: ov.Funnel}, nil
}

// MarketingPerformance joins ad platform metrics with channel revenue
func (s *Service) MarketingPerformance(ctx context.Context, f analytics.Filter) (*analytics.MarketingReport, error) {
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}
	report, err := s.computeMarketing(ctx, f)
	if err != nil {
		return s.degradeMarketing(ctx, f, err)
	}
	return report, nil
}

func (s *Service) degradeMarketing(ctx context.Context, f analytics.Filter, cause error) (*analytics.MarketingReport, error) {
	ov, err := s.degrade(ctx, analytics.QueryMarketing, f, cause)
	if err != nil {
		return nil, err
	}
	return &analytics.MarketingReport{Provenance: ov.Provenance, Period: ov.Period, Channels: ov.Marketing, Error: ov.MarketingError}, nil
}
