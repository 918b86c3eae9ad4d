package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves fixed records and counts calls per entity
type fakeReader struct {
	opportunities []crm.Opportunity
	deals         []crm.Deal
	quotes        []crm.Quote
	transactions  []crm.Transaction

	mu     sync.Mutex
	failOn map[crm.EntityType]error
	lastRF crm.RecordFilter
	calls  map[crm.EntityType]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		failOn: make(map[crm.EntityType]error),
		calls:  make(map[crm.EntityType]int),
	}
}

func (r *fakeReader) record(entity crm.EntityType, rf crm.RecordFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[entity]++
	r.lastRF = rf
	return r.failOn[entity]
}

func (r *fakeReader) fail(entity crm.EntityType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[entity] = err
}

func (r *fakeReader) callCount(entity crm.EntityType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[entity]
}

func (r *fakeReader) FindOpportunities(ctx context.Context, rf crm.RecordFilter) ([]crm.Opportunity, error) {
	if err := r.record(crm.EntityOpportunity, rf); err != nil {
		return nil, err
	}
	return append([]crm.Opportunity(nil), r.opportunities...), nil
}

func (r *fakeReader) FindDeals(ctx context.Context, rf crm.RecordFilter) ([]crm.Deal, error) {
	if err := r.record(crm.EntityDeal, rf); err != nil {
		return nil, err
	}
	return append([]crm.Deal(nil), r.deals...), nil
}

func (r *fakeReader) FindQuotes(ctx context.Context, rf crm.RecordFilter) ([]crm.Quote, error) {
	if err := r.record(crm.EntityQuote, rf); err != nil {
		return nil, err
	}
	return append([]crm.Quote(nil), r.quotes...), nil
}

func (r *fakeReader) FindTransactions(ctx context.Context, rf crm.RecordFilter) ([]crm.Transaction, error) {
	if err := r.record(crm.EntityTransaction, rf); err != nil {
		return nil, err
	}
	return append([]crm.Transaction(nil), r.transactions...), nil
}

type fakeMarketing struct {
	campaigns []analytics.CampaignMetric
	err       error
	purged    int
}

func (m *fakeMarketing) CampaignMetrics(ctx context.Context, since, until time.Time) ([]analytics.CampaignMetric, error) {
	return m.campaigns, m.err
}

func (m *fakeMarketing) Purge() {
	m.purged++
}

type memorySnapshots struct {
	mu    sync.Mutex
	saved map[string]*analytics.Overview
}

func (s *memorySnapshots) Save(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]*analytics.Overview)
	}
	ov := *value.(*analytics.Overview)
	s.saved[key] = &ov
	return nil
}

func (s *memorySnapshots) Load(ctx context.Context, key string, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.saved[key]
	if !ok {
		return false, nil
	}
	*dst.(*analytics.Overview) = *ov
	return true, nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	fetches   int
	fallbacks []string
}

func (m *recordingMetrics) RecordFetch(ctx context.Context, query string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
}

func (m *recordingMetrics) RecordFallback(ctx context.Context, query, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, query+":"+source)
}

func seededReader() *fakeReader {
	r := newFakeReader()
	r.transactions = []crm.Transaction{
		tx(crm.TransactionRevenue, 1000, day(2024, 1, 10)),
		tx(crm.TransactionRevenue, 2000, day(2024, 2, 10)),
		tx(crm.TransactionExpense, 500, day(2024, 2, 11)),
	}
	r.transactions[0].Channel = "Google Ads"
	r.deals = []crm.Deal{
		deal(crm.DealStatusWon, 1000, day(2024, 1, 5)),
		deal(crm.DealStatusWon, 2000, day(2024, 2, 5)),
		deal(crm.DealStatusLost, 3000, day(2024, 3, 5)),
	}
	r.opportunities = []crm.Opportunity{
		opportunity(crm.StageClosedWon, 1000, 100, day(2024, 1, 1)),
		opportunity(crm.StageProposal, 4000, 50, day(2024, 2, 1)),
	}
	r.quotes = []crm.Quote{{Status: crm.QuoteStatusAccepted, Total: decimal.NewFromInt(1000)}}
	return r
}

func testFilter() analytics.Filter {
	return analytics.Filter{TenantID: testTenantID, StartDate: day(2024, 1, 1), EndDate: day(2024, 3, 31)}
}

func TestService_Overview(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates live data", func(t *testing.T) {
		reader := seededReader()
		marketing := &fakeMarketing{campaigns: []analytics.CampaignMetric{
			{CampaignID: "c1", Channel: "Google Ads", Spend: decimal.NewFromInt(250), Impressions: 1000, Clicks: 50, Leads: 5},
		}}
		svc := NewService(reader, WithMarketingSource(marketing))

		ov, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)

		assert.False(t, ov.Fallback)
		assert.Empty(t, ov.FallbackReason)
		assert.Len(t, ov.Monthly, 3)
		assert.True(t, ov.KPIs.TotalRevenue.Equal(decimal.NewFromInt(3000)))
		assert.Equal(t, "66.7", ov.KPIs.DealConversionRate.Round(1).String())
		assert.True(t, ov.KPIs.AverageDealValue.Equal(decimal.NewFromInt(1500)))
		assert.True(t, ov.KPIs.ConversionRate.Equal(decimal.NewFromInt(50)))
		assert.Len(t, ov.Funnel, len(crm.PipelineStages()))
		require.NotEmpty(t, ov.Marketing)
		assert.Equal(t, "Google Ads", ov.Marketing[0].Channel)
		assert.True(t, ov.Marketing[0].ROAS.Equal(decimal.NewFromInt(4)))

		assert.Equal(t, testTenantID, reader.lastRF.TenantID)
		assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), reader.lastRF.To)
	})

	t.Run("fetch failure falls back to the flagged static dataset", func(t *testing.T) {
		reader := seededReader()
		reader.fail(crm.EntityDeal, errors.New("connection reset by peer"))
		metrics := &recordingMetrics{}
		svc := NewService(reader, WithMetrics(metrics))

		ov, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)

		assert.True(t, ov.Fallback)
		assert.Contains(t, ov.FallbackReason, "fetch deals")
		assert.Contains(t, ov.FallbackReason, "connection reset by peer")
		assert.Len(t, ov.Monthly, 3)
		assert.Equal(t, []string{"overview:static"}, metrics.fallbacks)
		assert.Equal(t, 1, metrics.fetches)
	})

	t.Run("fallback disabled returns data unavailable", func(t *testing.T) {
		reader := seededReader()
		reader.fail(crm.EntityTransaction, errors.New("timeout"))
		svc := NewService(reader, WithFallback(false))

		ov, err := svc.Overview(ctx, testFilter())
		require.Error(t, err)
		assert.Nil(t, ov)

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "DATA_UNAVAILABLE", domainErr.Code)
	})

	t.Run("serves the last snapshot before the static dataset", func(t *testing.T) {
		reader := seededReader()
		snapshots := &memorySnapshots{}
		metrics := &recordingMetrics{}
		svc := NewService(reader, WithSnapshotStore(snapshots), WithMetrics(metrics))

		live, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)
		require.False(t, live.Fallback)

		reader.fail(crm.EntityQuote, errors.New("db down"))
		ov, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)

		assert.True(t, ov.Fallback)
		assert.Contains(t, ov.FallbackReason, "serving last snapshot")
		assert.True(t, ov.KPIs.TotalRevenue.Equal(live.KPIs.TotalRevenue))
		assert.Equal(t, []string{"overview:snapshot"}, metrics.fallbacks)
	})

	t.Run("marketing failure degrades only the marketing section", func(t *testing.T) {
		svc := NewService(seededReader(), WithMarketingSource(&fakeMarketing{err: errors.New("401 unauthorized")}))

		ov, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)

		assert.False(t, ov.Fallback)
		assert.Contains(t, ov.MarketingError, "401")
		assert.True(t, ov.KPIs.TotalRevenue.Equal(decimal.NewFromInt(3000)))
	})

	t.Run("invalid window is rejected without fallback", func(t *testing.T) {
		svc := NewService(seededReader())
		f := testFilter()
		f.EndDate = day(2023, 1, 1)

		_, err := svc.Overview(ctx, f)
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidDateRange)
	})

	t.Run("canceled request does not fall back", func(t *testing.T) {
		reader := seededReader()
		reader.fail(crm.EntityDeal, context.Canceled)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		svc := NewService(reader)
		_, err := svc.Overview(cctx, testFilter())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestService_Sections(t *testing.T) {
	ctx := context.Background()
	reader := seededReader()
	svc := NewService(reader)

	t.Run("monthly trend", func(t *testing.T) {
		trend, err := svc.MonthlyTrend(ctx, testFilter())
		require.NoError(t, err)
		require.Len(t, trend.Months, 3)
		assert.Equal(t, "2024-01", trend.Months[0].Month)
		assert.True(t, trend.Months[1].Net.Equal(decimal.NewFromInt(1500)))
		assert.Equal(t, 0, reader.callCount(crm.EntityQuote), "monthly trend does not read quotes")
	})

	t.Run("dimensions", func(t *testing.T) {
		channels, err := svc.ByChannel(ctx, testFilter())
		require.NoError(t, err)
		assert.Equal(t, analytics.DimensionChannel, channels.Dimension)
		require.Len(t, channels.Items, 2)
		assert.Equal(t, crm.OtherBucket, channels.Items[0].Key)

		sellers, err := svc.BySeller(ctx, testFilter())
		require.NoError(t, err)
		require.Len(t, sellers.Items, 1)
		assert.Equal(t, crm.OtherBucket, sellers.Items[0].Key)

		products, err := svc.ByProduct(ctx, testFilter())
		require.NoError(t, err)
		assert.Equal(t, analytics.DimensionProduct, products.Dimension)
	})

	t.Run("funnel", func(t *testing.T) {
		funnel, err := svc.Funnel(ctx, testFilter())
		require.NoError(t, err)
		require.Len(t, funnel.Stages, len(crm.PipelineStages()))
		assert.Equal(t, int64(1), funnel.Stages[2].Count)
	})

	t.Run("marketing without a source lists channel revenue", func(t *testing.T) {
		report, err := svc.MarketingPerformance(ctx, testFilter())
		require.NoError(t, err)
		assert.Empty(t, report.Error)
		require.NotEmpty(t, report.Channels)
		for _, ch := range report.Channels {
			assert.True(t, ch.Spend.IsZero())
		}
	})

	t.Run("channel filter narrows the campaigns", func(t *testing.T) {
		source := &fakeMarketing{campaigns: []analytics.CampaignMetric{
			{CampaignID: "g1", Channel: "Google Ads", Spend: decimal.NewFromInt(200), Clicks: 10, Impressions: 100},
			{CampaignID: "m1", Channel: "Meta Ads", Spend: decimal.NewFromInt(300)},
		}}
		f := testFilter()
		f.Channel = "google ads"

		report, err := NewService(seededReader(), WithMarketingSource(source)).MarketingPerformance(ctx, f)
		require.NoError(t, err)
		spend := decimal.Zero
		for _, ch := range report.Channels {
			assert.NotEqual(t, "Meta Ads", ch.Channel)
			spend = spend.Add(ch.Spend)
		}
		assert.True(t, spend.Equal(decimal.NewFromInt(200)))
	})

	t.Run("section fallback is flagged", func(t *testing.T) {
		failing := seededReader()
		failing.fail(crm.EntityOpportunity, errors.New("boom"))
		funnel, err := NewService(failing).Funnel(ctx, testFilter())
		require.NoError(t, err)
		assert.True(t, funnel.Fallback)
		assert.NotEmpty(t, funnel.FallbackReason)
		assert.Len(t, funnel.Stages, len(crm.PipelineStages()))
	})
}

func TestCachedService(t *testing.T) {
	ctx := context.Background()

	t.Run("serves cached results within the staleness window", func(t *testing.T) {
		reader := seededReader()
		svc := NewCachedService(NewService(reader), cache.NewQueryCache(cache.WithStaleTime(time.Minute)))

		first, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)
		second, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, reader.callCount(crm.EntityDeal))
	})

	t.Run("re-fetches after a matching change event", func(t *testing.T) {
		reader := seededReader()
		queryCache := cache.NewQueryCache()
		svc := NewCachedService(NewService(reader), queryCache)
		handler := NewCacheInvalidationHandler(queryCache, nil)

		_, err := svc.Funnel(ctx, testFilter())
		require.NoError(t, err)
		_, err = svc.MonthlyTrend(ctx, testFilter())
		require.NoError(t, err)
		require.Equal(t, 2, reader.callCount(crm.EntityOpportunity))

		reader.opportunities = append(reader.opportunities, opportunity(crm.StageProspecting, 10, 10, day(2024, 3, 3)))
		evt := crm.NewRecordChangedEvent(crm.EventTypeRecordInserted, crm.EntityOpportunity, reader.opportunities[2].ID, testTenantID, "INSERT")
		require.NoError(t, handler.Handle(ctx, evt))

		funnel, err := svc.Funnel(ctx, testFilter())
		require.NoError(t, err)
		assert.Equal(t, int64(1), funnel.Stages[0].Count)
		assert.Equal(t, 3, reader.callCount(crm.EntityOpportunity))
	})

	t.Run("changes to unrelated entities keep results cached", func(t *testing.T) {
		reader := seededReader()
		queryCache := cache.NewQueryCache()
		svc := NewCachedService(NewService(reader), queryCache)

		_, err := svc.Funnel(ctx, testFilter())
		require.NoError(t, err)
		svc.Invalidate(ctx, crm.EntityQuote)
		_, err = svc.Funnel(ctx, testFilter())
		require.NoError(t, err)

		assert.Equal(t, 1, reader.callCount(crm.EntityOpportunity))
	})

	t.Run("fallback results are not cached", func(t *testing.T) {
		reader := seededReader()
		reader.fail(crm.EntityTransaction, errors.New("db down"))
		queryCache := cache.NewQueryCache()
		svc := NewCachedService(NewService(reader), queryCache)

		ov, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)
		assert.True(t, ov.Fallback)
		assert.Equal(t, 0, queryCache.Len())

		reader.fail(crm.EntityTransaction, nil)
		ov, err = svc.Overview(ctx, testFilter())
		require.NoError(t, err)
		assert.False(t, ov.Fallback)
		assert.Equal(t, 1, queryCache.Len())
	})

	t.Run("remote invalidations", func(t *testing.T) {
		reader := seededReader()
		svc := NewCachedService(NewService(reader), cache.NewQueryCache())

		_, err := svc.Overview(ctx, testFilter())
		require.NoError(t, err)

		svc.ApplyRemote(ctx, cache.InvalidationMessage{Scope: cache.ScopeEntity, Entity: "quotes"})
		assert.Equal(t, 1, svc.Stats().StaleEntries)

		svc.ApplyRemote(ctx, cache.InvalidationMessage{Scope: cache.ScopeEntity, Entity: "invoices"})
		svc.ApplyRemote(ctx, cache.InvalidationMessage{Scope: "bogus"})
	})

	t.Run("manual invalidation is relayed", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc := NewCachedService(NewService(seededReader()), cache.NewQueryCache(), WithInvalidationPublisher(pub))

		svc.Invalidate(ctx, crm.EntityDeal)
		svc.InvalidateAll(ctx)

		assert.Equal(t, []string{"deals", "*"}, pub.published)
	})

	t.Run("database changes are applied locally only", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc := NewCachedService(NewService(seededReader()), cache.NewQueryCache(), WithInvalidationPublisher(pub))
		handler := NewCacheInvalidationHandler(svc.Local(), nil)

		_, err := svc.Funnel(ctx, testFilter())
		require.NoError(t, err)
		evt := crm.NewRecordChangedEvent(crm.EventTypeRecordUpdated, crm.EntityOpportunity, uuid.New(), testTenantID, "UPDATE")
		require.NoError(t, handler.Handle(ctx, evt))

		assert.Equal(t, 1, svc.Stats().StaleEntries)
		assert.Empty(t, pub.published)
	})

	t.Run("customer changes invalidate the overview", func(t *testing.T) {
		reader := seededReader()
		svc := NewCachedService(NewService(reader), cache.NewQueryCache())
		f := testFilter()
		f.Channel = "Google Ads"

		_, err := svc.Overview(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, 1, svc.Local().Invalidate(ctx, crm.EntityCustomer))

		_, err = svc.Overview(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, 2, reader.callCount(crm.EntityQuote))
	})

	t.Run("forced refresh is relayed", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc := NewCachedService(NewService(seededReader()), cache.NewQueryCache(), WithInvalidationPublisher(pub))

		_, err := svc.Refresh(ctx)
		require.NoError(t, err)
		assert.Empty(t, pub.published, "scheduled refreshes stay local")

		_, err = svc.ForceRefresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"*"}, pub.published)
	})

	t.Run("refresh drops cached campaign metrics", func(t *testing.T) {
		source := &fakeMarketing{}
		svc := NewCachedService(NewService(seededReader(), WithMarketingSource(source)), cache.NewQueryCache())

		_, err := svc.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, source.purged)
	})

	t.Run("refresh re-fetches cached queries and warms tenants", func(t *testing.T) {
		reader := seededReader()
		svc := NewCachedService(NewService(reader), cache.NewQueryCache(), WithWarmup([]uuid.UUID{testTenantID}, 3))

		_, err := svc.Funnel(ctx, testFilter())
		require.NoError(t, err)

		n, err := svc.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 3, reader.callCount(crm.EntityOpportunity))
		assert.Equal(t, 1, reader.callCount(crm.EntityQuote), "only the warmed overview reads quotes")
		assert.Equal(t, 2, svc.Stats().Entries)
	})
}

type recordingPublisher struct {
	published []string
}

func (p *recordingPublisher) PublishEntity(ctx context.Context, entity string) error {
	p.published = append(p.published, entity)
	return nil
}

func (p *recordingPublisher) PublishAll(ctx context.Context) error {
	p.published = append(p.published, "*")
	return nil
}
