package analytics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CampaignMetric is the performance of one ad campaign over a window
type CampaignMetric struct {
	CampaignID  string          `json:"campaign_id"`
	Name        string          `json:"name"`
	Channel     string          `json:"channel"`
	Spend       decimal.Decimal `json:"spend"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Leads       int64           `json:"leads"`
}

// MarketingSource fetches campaign metrics from an ad platform
type MarketingSource interface {
	CampaignMetrics(ctx context.Context, since, until time.Time) ([]CampaignMetric, error)
}
