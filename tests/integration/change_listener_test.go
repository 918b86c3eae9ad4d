package integration

import (
	"context"
	"testing"
	"time"

	appanalytics "github.com/crm/backend/internal/application/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/infrastructure/event"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/tests/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startListener(t *testing.T, tdb *TestDB, bus *event.InMemoryEventBus) *event.ChangeListener {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	listener := event.NewChangeListener(event.ListenerConfig{
		DSN:                  tdb.DSN,
		MinReconnectInterval: 100 * time.Millisecond,
		MaxReconnectInterval: time.Second,
	}, bus, event.WithListenerLogger(zaptest.NewLogger(t)))
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = listener.Stop(stopCtx)
		_ = bus.Stop(stopCtx)
	})
	return listener
}

func TestChangeListener_ReceivesTriggerNotifications(t *testing.T) {
	tdb := NewTestDB(t)
	ctx := context.Background()

	bus := event.NewInMemoryEventBus(zaptest.NewLogger(t))
	handler := testutil.NewMockEventHandler(crm.RecordChangeEventTypes()...)
	bus.Subscribe(handler)
	listener := startListener(t, tdb, bus)

	tenantID := uuid.New()
	customer, err := crm.NewCustomer(tenantID, "Acme", "Instagram")
	require.NoError(t, err)
	quote, err := crm.NewQuote(tenantID, customer.ID, "Q-1")
	require.NoError(t, err)
	require.NoError(t, quote.AddItem("CRM Pro", decimal.NewFromInt(1), decimal.NewFromInt(900)))

	tdb.Seed(t, &persistence.RecordSet{
		Customers: []crm.Customer{*customer},
		Quotes:    []crm.Quote{*quote},
	})

	// customer, quote and its item
	require.True(t, testutil.WaitForEventCount(t, handler, 3, 10*time.Second))

	for _, e := range handler.Handled() {
		assert.Equal(t, tenantID, e.TenantID())
		assert.Equal(t, crm.EventTypeRecordInserted, e.EventType())
	}
	entities := handler.Entities()
	assert.Equal(t, 1, entities[crm.EntityCustomer])
	assert.Equal(t, 2, entities[crm.EntityQuote], "quote items report as quotes")

	handler.Reset()
	require.NoError(t, tdb.DB.WithContext(ctx).Model(&crm.Customer{}).
		Where("id = ?", customer.ID).Update("status", crm.CustomerStatusActive).Error)
	require.True(t, testutil.WaitForEventCount(t, handler, 1, 10*time.Second))
	assert.Equal(t, crm.EventTypeRecordUpdated, handler.Handled()[0].EventType())

	assert.GreaterOrEqual(t, listener.Stats().Received, int64(4))
	assert.Zero(t, listener.Stats().Dropped)
}

func TestChangeListener_InvalidatesCachedAnalytics(t *testing.T) {
	tdb := NewTestDB(t)
	ctx := context.Background()

	tenantID, sellerID := uuid.New(), uuid.New()
	tdb.Seed(t, salesDataset(t, tenantID, sellerID))

	service := appanalytics.NewService(persistence.NewGormRecordReader(tdb.DB), appanalytics.WithFallback(false))
	cached := appanalytics.NewCachedService(service, cache.NewQueryCache(cache.WithStaleTime(time.Hour)))

	bus := event.NewInMemoryEventBus(zaptest.NewLogger(t))
	bus.Subscribe(appanalytics.NewCacheInvalidationHandler(cached.Local(), zaptest.NewLogger(t)))
	startListener(t, tdb, bus)

	f := quarterFilter(tenantID)
	before, err := cached.Overview(ctx, f)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(3400).Equal(before.KPIs.TotalRevenue))

	tx, err := crm.NewTransaction(tenantID, crm.TransactionRevenue, decimal.NewFromInt(600), at(time.March, 20))
	require.NoError(t, err)
	tdb.Seed(t, &persistence.RecordSet{Transactions: []crm.Transaction{*tx}})

	require.Eventually(t, func() bool {
		ov, err := cached.Overview(ctx, f)
		return err == nil && decimal.NewFromInt(4000).Equal(ov.KPIs.TotalRevenue)
	}, 10*time.Second, 50*time.Millisecond)
	assert.Positive(t, cached.Stats().Invalidations)
}
