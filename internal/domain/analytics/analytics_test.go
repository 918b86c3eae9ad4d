package analytics

import (
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFilterMonths(t *testing.T) {
	t.Run("covers every month of the window", func(t *testing.T) {
		f := Filter{StartDate: date(2023, 11, 15), EndDate: date(2024, 2, 3)}
		assert.Equal(t, []string{"2023-11", "2023-12", "2024-01", "2024-02"}, f.Months())
	})

	t.Run("single day window", func(t *testing.T) {
		f := Filter{StartDate: date(2024, 5, 31), EndDate: date(2024, 5, 31)}
		assert.Equal(t, []string{"2024-05"}, f.Months())
	})

	t.Run("window end is exclusive next day", func(t *testing.T) {
		f := Filter{StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 31)}
		from, to := f.Window()
		assert.Equal(t, date(2024, 1, 1), from)
		assert.Equal(t, date(2024, 2, 1), to)
	})
}

func TestDefaultFilter(t *testing.T) {
	now := time.Date(2024, 6, 17, 15, 4, 5, 0, time.UTC)
	f := DefaultFilter(uuid.New(), now, 6)

	assert.Equal(t, date(2024, 1, 1), f.StartDate)
	assert.Equal(t, date(2024, 6, 17), f.EndDate)
	assert.Len(t, f.Months(), 6)
}

func TestFilterValidate(t *testing.T) {
	assert.Error(t, Filter{}.Validate())
	assert.Error(t, Filter{StartDate: date(2024, 2, 1), EndDate: date(2024, 1, 1)}.Validate())
	assert.NoError(t, Filter{StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 1)}.Validate())
	assert.NoError(t, Filter{StartDate: date(2020, 1, 1), EndDate: date(2024, 12, 31)}.Validate())

	err := Filter{StartDate: date(1, 1, 1), EndDate: date(9999, 12, 31)}.Validate()
	var domainErr *shared.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "INVALID_DATE_RANGE", domainErr.Code)
	assert.Error(t, Filter{StartDate: date(2020, 1, 1), EndDate: date(2025, 1, 1)}.Validate())
}

func TestCanonicalFilter(t *testing.T) {
	tenantID := uuid.New()
	sellerID := uuid.New()

	a := Filter{TenantID: tenantID, StartDate: date(2024, 1, 1), EndDate: date(2024, 3, 31), SellerID: &sellerID, Channel: " Google "}
	b := Filter{TenantID: tenantID, StartDate: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), EndDate: date(2024, 3, 31), SellerID: &sellerID, Channel: "google"}

	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.Contains(t, a.Canonical(), "channel=google&end=2024-03-31&seller=")

	c := a
	c.Channel = ""
	assert.NotEqual(t, a.Canonical(), c.Canonical())
}

func TestQueryKey(t *testing.T) {
	f := Filter{TenantID: uuid.New(), StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 31)}
	key := NewQueryKey(QueryOverview, f)

	assert.Equal(t, "overview", key.Entity)
	assert.Equal(t, "overview?"+key.Filters, key.String())
	assert.ElementsMatch(t,
		[]crm.EntityType{crm.EntityOpportunity, crm.EntityDeal, crm.EntityQuote, crm.EntityTransaction, crm.EntityCustomer},
		QueryOverview.Dependencies())
	assert.Equal(t, []crm.EntityType{crm.EntityOpportunity}, QueryFunnel.Dependencies())
}

func TestPercentage(t *testing.T) {
	t.Run("zero when whole is zero", func(t *testing.T) {
		assert.True(t, Percentage(decimal.NewFromInt(5), decimal.Zero).IsZero())
	})

	t.Run("clamped to 100", func(t *testing.T) {
		assert.True(t, CountPercentage(7, 5).Equal(decimal.NewFromInt(100)))
	})

	t.Run("clamped to 0", func(t *testing.T) {
		assert.True(t, CountPercentage(-1, 5).IsZero())
	})

	t.Run("two thirds", func(t *testing.T) {
		got := CountPercentage(2, 3)
		require.True(t, got.Equal(decimal.RequireFromString("66.67")), "got %s", got)
		assert.Equal(t, "66.7", got.Round(1).String())
	})
}

func TestAverage(t *testing.T) {
	assert.True(t, Average(decimal.NewFromInt(100), 0).IsZero())
	assert.True(t, Average(decimal.NewFromInt(100), 3).Equal(decimal.RequireFromString("33.33")))
	assert.True(t, SafeDiv(decimal.NewFromInt(1), decimal.Zero).IsZero())
}
