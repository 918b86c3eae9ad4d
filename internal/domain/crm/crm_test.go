package crm

import (
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	t.Run("resolves table names", func(t *testing.T) {
		for _, et := range AllEntityTypes() {
			got, err := ParseEntityType(et.String())
			require.NoError(t, err)
			assert.Equal(t, et, got)
		}
	})

	t.Run("resolves schema qualified and singular names", func(t *testing.T) {
		got, err := ParseEntityType("public.Deals")
		require.NoError(t, err)
		assert.Equal(t, EntityDeal, got)

		got, err = ParseEntityType("quote_items")
		require.NoError(t, err)
		assert.Equal(t, EntityQuote, got)
	})

	t.Run("rejects unknown names", func(t *testing.T) {
		_, err := ParseEntityType("invoices")
		require.Error(t, err)
		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "UNKNOWN_ENTITY", domainErr.Code)
	})
}

func TestNormalizeDimension(t *testing.T) {
	assert.Equal(t, OtherBucket, NormalizeDimension(""))
	assert.Equal(t, OtherBucket, NormalizeDimension("   "))
	assert.Equal(t, "Google Ads", NormalizeDimension(" Google Ads "))
}

func TestQuoteTotal(t *testing.T) {
	tenantID := uuid.New()

	t.Run("keeps total equal to sum of items", func(t *testing.T) {
		q, err := NewQuote(tenantID, uuid.New(), "Q-001")
		require.NoError(t, err)

		require.NoError(t, q.AddItem("Plano Pro", decimal.NewFromInt(2), decimal.NewFromFloat(150.50)))
		require.NoError(t, q.AddItem("Setup", decimal.NewFromInt(1), decimal.NewFromInt(99)))

		assert.True(t, q.Total.Equal(decimal.NewFromInt(400)), "got %s", q.Total)
		assert.NoError(t, q.Validate())
	})

	t.Run("reports and fixes a drifted total", func(t *testing.T) {
		q, err := NewQuote(tenantID, uuid.New(), "Q-002")
		require.NoError(t, err)
		require.NoError(t, q.AddItem("Plano Basic", decimal.NewFromInt(3), decimal.NewFromInt(10)))

		q.Total = decimal.NewFromInt(31)
		err = q.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")

		q.RecalculateTotal()
		assert.NoError(t, q.Validate())
		assert.True(t, q.Total.Equal(decimal.NewFromInt(30)))
	})

	t.Run("rejects invalid items", func(t *testing.T) {
		q, err := NewQuote(tenantID, uuid.New(), "Q-003")
		require.NoError(t, err)

		assert.Error(t, q.AddItem("", decimal.NewFromInt(1), decimal.NewFromInt(1)))
		assert.Error(t, q.AddItem("X", decimal.Zero, decimal.NewFromInt(1)))
		assert.Error(t, q.AddItem("X", decimal.NewFromInt(1), decimal.NewFromInt(-1)))
		assert.Empty(t, q.Items)
	})

	t.Run("requires a customer", func(t *testing.T) {
		_, err := NewQuote(tenantID, uuid.Nil, "Q-004")
		assert.Error(t, err)
	})
}

func TestOpportunity(t *testing.T) {
	tenantID := uuid.New()

	t.Run("closing won sets probability and closed date", func(t *testing.T) {
		o, err := NewOpportunity(tenantID, uuid.New(), "Renovação anual", decimal.NewFromInt(5000))
		require.NoError(t, err)

		now := time.Now()
		require.NoError(t, o.MoveTo(StageClosedWon, now))
		assert.True(t, o.IsWon())
		assert.Equal(t, 100, o.Probability)
		require.NotNil(t, o.ClosedAt)

		assert.Error(t, o.MoveTo(StageNegotiation, now), "closed opportunities cannot move")
	})

	t.Run("weighted value uses probability", func(t *testing.T) {
		o, err := NewOpportunity(tenantID, uuid.New(), "Expansão", decimal.NewFromInt(1000))
		require.NoError(t, err)
		o.Probability = 30
		assert.True(t, o.WeightedValue().Equal(decimal.NewFromInt(300)))
	})

	t.Run("validates probability range", func(t *testing.T) {
		o, err := NewOpportunity(tenantID, uuid.New(), "X", decimal.NewFromInt(1))
		require.NoError(t, err)
		o.Probability = 101
		assert.Error(t, o.Validate())
	})
}

func TestDeal(t *testing.T) {
	tenantID := uuid.New()

	t.Run("requires customer", func(t *testing.T) {
		_, err := NewDeal(tenantID, uuid.Nil, "Plano Pro", decimal.NewFromInt(10))
		assert.Error(t, err)
	})

	t.Run("close sets status once", func(t *testing.T) {
		d, err := NewDeal(tenantID, uuid.New(), "Plano Pro", decimal.NewFromInt(10))
		require.NoError(t, err)

		closedAt := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
		require.NoError(t, d.Close(true, closedAt))
		assert.True(t, d.IsWon())
		assert.Equal(t, closedAt, d.EffectiveAt())
		assert.Error(t, d.Close(false, closedAt))
	})

	t.Run("open deal is effective at creation", func(t *testing.T) {
		d, err := NewDeal(tenantID, uuid.New(), "", decimal.NewFromInt(10))
		require.NoError(t, err)
		assert.Equal(t, d.CreatedAt, d.EffectiveAt())
	})
}

func TestTransaction(t *testing.T) {
	tenantID := uuid.New()

	t.Run("amount must be positive", func(t *testing.T) {
		_, err := NewTransaction(tenantID, TransactionRevenue, decimal.Zero, time.Now())
		assert.Error(t, err)
	})

	t.Run("month bucket is YYYY-MM", func(t *testing.T) {
		tx, err := NewTransaction(tenantID, TransactionRevenue, decimal.NewFromInt(10), time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, "2024-02", tx.Month())
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := NewTransaction(tenantID, TransactionType("GIFT"), decimal.NewFromInt(1), time.Now())
		assert.Error(t, err)
	})
}

func TestRecordChangedEvent(t *testing.T) {
	eventType, ok := EventTypeForOperation("UPDATE")
	require.True(t, ok)

	recordID, tenantID := uuid.New(), uuid.New()
	evt := NewRecordChangedEvent(eventType, EntityDeal, recordID, tenantID, "UPDATE")

	assert.Equal(t, EventTypeRecordUpdated, evt.EventType())
	assert.Equal(t, "deals", evt.AggregateType())
	assert.Equal(t, recordID, evt.AggregateID())
	assert.Equal(t, tenantID, evt.TenantID())

	_, ok = EventTypeForOperation("TRUNCATE")
	assert.False(t, ok)
}
