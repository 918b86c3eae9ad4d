package integration

import (
	"context"
	"testing"
	"time"

	appanalytics "github.com/crm/backend/internal/application/analytics"
	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func at(month time.Month, day int) time.Time {
	return time.Date(2024, month, day, 15, 0, 0, 0, time.UTC)
}

// salesDataset builds one quarter of CRM activity for tenantID
func salesDataset(t *testing.T, tenantID, sellerID uuid.UUID) *persistence.RecordSet {
	t.Helper()
	d := decimal.NewFromInt

	google, err := crm.NewCustomer(tenantID, "Acme Ltda", " Google Ads ")
	require.NoError(t, err)
	google.SellerID = &sellerID
	google.CreatedAt = at(time.January, 3)
	walkIn, err := crm.NewCustomer(tenantID, "Walk-in", "")
	require.NoError(t, err)
	walkIn.CreatedAt = at(time.January, 4)

	var opps []crm.Opportunity
	for i, stage := range []crm.OpportunityStage{crm.StageProposal, crm.StageClosedWon, crm.StageClosedLost} {
		o, err := crm.NewOpportunity(tenantID, google.ID, "Licenses", d(int64(1000*(i+1))))
		require.NoError(t, err)
		o.CreatedAt = at(time.January, 10+i)
		if stage != crm.StageProposal {
			require.NoError(t, o.MoveTo(stage, at(time.February, 1)))
		} else {
			o.Stage = stage
			o.Probability = 50
		}
		opps = append(opps, *o)
	}

	var deals []crm.Deal
	for i, won := range []bool{true, true, false} {
		deal, err := crm.NewDeal(tenantID, google.ID, "CRM Pro", d(int64(1000*(i+1))))
		require.NoError(t, err)
		deal.Channel = "Google Ads"
		deal.SellerID = &sellerID
		deal.CreatedAt = at(time.January, 15)
		require.NoError(t, deal.Close(won, at(time.February, 10+i)))
		deals = append(deals, *deal)
	}

	quote, err := crm.NewQuote(tenantID, google.ID, "Q-2024-001")
	require.NoError(t, err)
	quote.CreatedAt = at(time.February, 2)
	require.NoError(t, quote.AddItem("CRM Pro", d(2), decimal.RequireFromString("750.25")))
	require.NoError(t, quote.AddItem("Onboarding", d(1), d(500)))

	var txs []crm.Transaction
	for _, spec := range []struct {
		typ     crm.TransactionType
		amount  int64
		when    time.Time
		channel string
	}{
		{crm.TransactionRevenue, 1000, at(time.January, 20), "Google Ads"},
		{crm.TransactionRevenue, 2000, at(time.February, 20), "google ads"},
		{crm.TransactionRevenue, 400, at(time.March, 5), ""},
		{crm.TransactionExpense, 300, at(time.March, 6), ""},
	} {
		tx, err := crm.NewTransaction(tenantID, spec.typ, d(spec.amount), spec.when)
		require.NoError(t, err)
		tx.Channel = spec.channel
		tx.Product = "CRM Pro"
		if spec.channel != "" {
			tx.SellerID = &sellerID
			tx.CustomerID = &google.ID
		}
		txs = append(txs, *tx)
	}

	return &persistence.RecordSet{
		Customers:     []crm.Customer{*google, *walkIn},
		Opportunities: opps,
		Deals:         deals,
		Quotes:        []crm.Quote{*quote},
		Transactions:  txs,
	}
}

func quarterFilter(tenantID uuid.UUID) analytics.Filter {
	return analytics.Filter{
		TenantID:  tenantID,
		StartDate: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestAnalytics_AgainstPostgres(t *testing.T) {
	tdb := NewTestDB(t)
	ctx := context.Background()

	tenantID, otherTenant, sellerID := uuid.New(), uuid.New(), uuid.New()
	tdb.Seed(t, salesDataset(t, tenantID, sellerID))
	tdb.Seed(t, salesDataset(t, otherTenant, uuid.New()))

	service := appanalytics.NewService(persistence.NewGormRecordReader(tdb.DB), appanalytics.WithFallback(false))

	t.Run("overview aggregates one tenant", func(t *testing.T) {
		ov, err := service.Overview(ctx, quarterFilter(tenantID))
		require.NoError(t, err)
		require.False(t, ov.Fallback)

		k := ov.KPIs
		assert.True(t, decimal.NewFromInt(3400).Equal(k.TotalRevenue), k.TotalRevenue.String())
		assert.True(t, decimal.NewFromInt(300).Equal(k.TotalExpenses))
		assert.Equal(t, int64(3), k.DealsTotal)
		assert.Equal(t, int64(2), k.DealsWon)
		assert.Equal(t, "66.7", k.DealConversionRate.Round(1).String())
		assert.True(t, decimal.NewFromInt(1500).Equal(k.AverageDealValue))
		assert.Equal(t, int64(1), k.QuotesTotal)
		assert.True(t, decimal.RequireFromString("2000.5").Equal(k.QuotedValue))

		monthly := decimal.Zero
		for _, b := range ov.Monthly {
			monthly = monthly.Add(b.Revenue)
		}
		assert.True(t, k.TotalRevenue.Equal(monthly))
	})

	t.Run("channel filter normalizes case and spaces", func(t *testing.T) {
		f := quarterFilter(tenantID)
		f.Channel = "GOOGLE ADS"
		ov, err := service.Overview(ctx, f)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3000).Equal(ov.KPIs.TotalRevenue))
		assert.Equal(t, int64(1), ov.KPIs.QuotesTotal)
	})

	t.Run("other bucket collects blank channels", func(t *testing.T) {
		report, err := service.ByChannel(ctx, quarterFilter(tenantID))
		require.NoError(t, err)

		byKey := map[string]analytics.DimensionSummary{}
		for _, item := range report.Items {
			byKey[item.Key] = item
		}
		require.Contains(t, byKey, crm.OtherBucket)
		assert.True(t, decimal.NewFromInt(400).Equal(byKey[crm.OtherBucket].Revenue))
		assert.Equal(t, int64(1), byKey[crm.OtherBucket].TransactionCount)
	})

	t.Run("seller filter", func(t *testing.T) {
		f := quarterFilter(tenantID)
		f.SellerID = &sellerID
		ov, err := service.Overview(ctx, f)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3000).Equal(ov.KPIs.TotalRevenue))
		assert.Equal(t, int64(3), ov.KPIs.DealsTotal)
	})

	t.Run("database failure is reported when fallback is disabled", func(t *testing.T) {
		closed, err := gorm.Open(gormpostgres.Open(tdb.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		require.NoError(t, err)
		sqlDB, err := closed.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		svc := appanalytics.NewService(persistence.NewGormRecordReader(closed), appanalytics.WithFallback(false))
		_, err = svc.Overview(ctx, quarterFilter(tenantID))
		require.Error(t, err)

		svc = appanalytics.NewService(persistence.NewGormRecordReader(closed), appanalytics.WithFallback(true))
		ov, err := svc.Overview(ctx, quarterFilter(tenantID))
		require.NoError(t, err)
		assert.True(t, ov.Fallback)
		assert.NotEmpty(t, ov.FallbackReason)
	})
}
