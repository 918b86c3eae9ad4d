package analytics

import (
	"strconv"
	"time"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// fallbackNamespace seeds the deterministic IDs of the static dataset
var fallbackNamespace = uuid.MustParse("6f1c1c52-8f0e-4f4e-9a4f-3b1b9d7c2a10")

// Static dataset shape. Monthly revenue cycles through revenueCurve.
var (
	revenueCurve     = []int64{42000, 38500, 45200, 47800, 51300, 49900, 53600, 55100, 52400, 58700, 61200, 64800}
	fallbackSellers  = []string{"seller-ana", "seller-bruno", "seller-carla"}
	fallbackProducts = []string{"Plano Pro", "Plano Basic", "Consultoria"}
	fallbackChannels = []string{"Google Ads", "Indicação", "Instagram", ""}
)

// fallbackData builds the canned dataset for a window. It is a pure function
// of the filter window so repeated fallbacks render identically.
func fallbackData(f analytics.Filter) *dataset {
	f = f.Normalize()
	from, to := f.Window()
	last := to.AddDate(0, 0, -1)
	months := f.Months()

	ds := &dataset{}
	sellerIDs := make([]uuid.UUID, len(fallbackSellers))
	for i, name := range fallbackSellers {
		sellerIDs[i] = uuid.NewSHA1(fallbackNamespace, []byte(name))
	}
	customerID := uuid.NewSHA1(fallbackNamespace, []byte("customer"))

	for mi, month := range months {
		start, err := time.Parse(analytics.MonthLayout, month)
		if err != nil {
			continue
		}
		day := start.AddDate(0, 0, 14)
		if day.Before(from) {
			day = from
		}
		if day.After(last) {
			day = last
		}
		revenue := revenueCurve[mi%len(revenueCurve)]

		for i := 0; i < 4; i++ {
			seller := sellerIDs[i%len(sellerIDs)]
			amount := decimal.NewFromInt(revenue / 4)
			ds.transactions = append(ds.transactions, crm.Transaction{
				BaseEntity: fallbackEntity(f.TenantID, month, "tx", i, day),
				SellerID:   &seller,
				Type:       crm.TransactionRevenue,
				Amount:     amount,
				Channel:    fallbackChannels[i%len(fallbackChannels)],
				Product:    fallbackProducts[i%len(fallbackProducts)],
				OccurredAt: day,
			})
		}
		ds.transactions = append(ds.transactions, crm.Transaction{
			BaseEntity: fallbackEntity(f.TenantID, month, "expense", 0, day),
			Type:       crm.TransactionExpense,
			Category:   "Marketing",
			Amount:     decimal.NewFromInt(revenue * 35 / 100),
			OccurredAt: day,
		})

		stages := crm.PipelineStages()
		for i := 0; i < 6; i++ {
			seller := sellerIDs[i%len(sellerIDs)]
			ds.opportunities = append(ds.opportunities, crm.Opportunity{
				BaseEntity:  fallbackEntity(f.TenantID, month, "opp", i, day),
				CustomerID:  customerID,
				SellerID:    &seller,
				Title:       "Oportunidade",
				Value:       decimal.NewFromInt(5000 + int64(i)*1500),
				Stage:       stages[i%len(stages)],
				Probability: (i + 1) * 15,
				Channel:     fallbackChannels[i%len(fallbackChannels)],
			})
		}

		for i := 0; i < 3; i++ {
			seller := sellerIDs[i%len(sellerIDs)]
			status := crm.DealStatusWon
			if i == 2 {
				status = crm.DealStatusLost
			}
			closedAt := day
			ds.deals = append(ds.deals, crm.Deal{
				BaseEntity: fallbackEntity(f.TenantID, month, "deal", i, day),
				CustomerID: customerID,
				SellerID:   &seller,
				Product:    fallbackProducts[i%len(fallbackProducts)],
				Value:      decimal.NewFromInt(8000 + int64(i)*2000),
				Status:     status,
				Channel:    fallbackChannels[i%len(fallbackChannels)],
				ClosedAt:   &closedAt,
			})
		}

		for i := 0; i < 2; i++ {
			status := crm.QuoteStatusAccepted
			if i == 1 {
				status = crm.QuoteStatusSent
			}
			ds.quotes = append(ds.quotes, crm.Quote{
				BaseEntity: fallbackEntity(f.TenantID, month, "quote", i, day),
				CustomerID: customerID,
				Number:     month + "-" + string(rune('A'+i)),
				Status:     status,
				Total:      decimal.NewFromInt(9500),
			})
		}
	}

	ds.campaigns = []analytics.CampaignMetric{
		{CampaignID: "fallback-google", Name: "Pesquisa", Channel: "Google Ads", Spend: decimal.NewFromInt(int64(len(months)) * 4200), Impressions: int64(len(months)) * 120000, Clicks: int64(len(months)) * 3600, Leads: int64(len(months)) * 140},
		{CampaignID: "fallback-instagram", Name: "Stories", Channel: "Instagram", Spend: decimal.NewFromInt(int64(len(months)) * 2100), Impressions: int64(len(months)) * 95000, Clicks: int64(len(months)) * 1900, Leads: int64(len(months)) * 60},
	}
	return ds
}

func fallbackEntity(tenantID uuid.UUID, month, kind string, i int, at time.Time) shared.BaseEntity {
	return shared.BaseEntity{
		ID:        uuid.NewSHA1(fallbackNamespace, []byte(month+"/"+kind+"/"+strconv.Itoa(i))),
		TenantID:  tenantID,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// FallbackOverview returns the canned overview shown when live data cannot be
// fetched. The result always has Fallback set.
func FallbackOverview(f analytics.Filter) *analytics.Overview {
	ov := buildOverview(f, fallbackData(f))
	ov.Fallback = true
	return ov
}
