package analytics

import (
	"time"

	"github.com/crm/backend/internal/domain/crm"
	"github.com/shopspring/decimal"
)

// Provenance describes where a result came from. Fallback results are never
// silent: Fallback is set and FallbackReason carries the underlying failure.
type Provenance struct {
	GeneratedAt    time.Time `json:"generated_at"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
}

// Period is the window a result covers
type Period struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// PeriodOf returns the period covered by a filter
func PeriodOf(f Filter) Period {
	f = f.Normalize()
	return Period{StartDate: f.StartDate, EndDate: f.EndDate}
}

// MonthlyBucket holds totals for one calendar month
type MonthlyBucket struct {
	Month                string          `json:"month"`
	Revenue              decimal.Decimal `json:"revenue"`
	Expenses             decimal.Decimal `json:"expenses"`
	Refunds              decimal.Decimal `json:"refunds"`
	Net                  decimal.Decimal `json:"net"`
	TransactionCount     int64           `json:"transaction_count"`
	DealsWon             int64           `json:"deals_won"`
	WonValue             decimal.Decimal `json:"won_value"`
	OpportunitiesCreated int64           `json:"opportunities_created"`
}

// Dimension is a grouping axis for summaries
type Dimension string

const (
	DimensionSeller  Dimension = "seller"
	DimensionProduct Dimension = "product"
	DimensionChannel Dimension = "channel"
)

// DimensionSummary aggregates revenue and deals for one dimension value
type DimensionSummary struct {
	Key              string          `json:"key"`
	Revenue          decimal.Decimal `json:"revenue"`
	TransactionCount int64           `json:"transaction_count"`
	Deals            int64           `json:"deals"`
	DealsWon         int64           `json:"deals_won"`
	WonValue         decimal.Decimal `json:"won_value"`
	ConversionRate   decimal.Decimal `json:"conversion_rate"`
	AverageTicket    decimal.Decimal `json:"average_ticket"`
	RevenueShare     decimal.Decimal `json:"revenue_share"`
}

// KPIs are the headline indicators of the dashboard
type KPIs struct {
	TotalRevenue            decimal.Decimal `json:"total_revenue"`
	TotalExpenses           decimal.Decimal `json:"total_expenses"`
	TotalRefunds            decimal.Decimal `json:"total_refunds"`
	NetResult               decimal.Decimal `json:"net_result"`
	TransactionCount        int64           `json:"transaction_count"`
	RevenueTransactionCount int64           `json:"revenue_transaction_count"`
	AverageTicket           decimal.Decimal `json:"average_ticket"`
	OpportunitiesTotal      int64           `json:"opportunities_total"`
	OpportunitiesWon        int64           `json:"opportunities_won"`
	ConversionRate          decimal.Decimal `json:"conversion_rate"`
	DealsTotal              int64           `json:"deals_total"`
	DealsWon                int64           `json:"deals_won"`
	DealsLost               int64           `json:"deals_lost"`
	DealConversionRate      decimal.Decimal `json:"deal_conversion_rate"`
	AverageDealValue        decimal.Decimal `json:"average_deal_value"`
	PipelineValue           decimal.Decimal `json:"pipeline_value"`
	WeightedPipeline        decimal.Decimal `json:"weighted_pipeline"`
	QuotesTotal             int64           `json:"quotes_total"`
	QuotesAccepted          int64           `json:"quotes_accepted"`
	QuoteAcceptanceRate     decimal.Decimal `json:"quote_acceptance_rate"`
	QuotedValue             decimal.Decimal `json:"quoted_value"`
}

// FunnelStage counts opportunities currently in one pipeline stage
type FunnelStage struct {
	Stage crm.OpportunityStage `json:"stage"`
	Count int64                `json:"count"`
	Value decimal.Decimal      `json:"value"`
	Share decimal.Decimal      `json:"share"`
}

// ChannelPerformance joins ad platform spend with channel revenue
type ChannelPerformance struct {
	Channel     string          `json:"channel"`
	Spend       decimal.Decimal `json:"spend"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Leads       int64           `json:"leads"`
	Revenue     decimal.Decimal `json:"revenue"`
	CTR         decimal.Decimal `json:"ctr"`
	CostPerLead decimal.Decimal `json:"cost_per_lead"`
	ROAS        decimal.Decimal `json:"roas"`
}

// Overview is the full dashboard read model
type Overview struct {
	Provenance
	Period         Period               `json:"period"`
	KPIs           KPIs                 `json:"kpis"`
	Monthly        []MonthlyBucket      `json:"monthly"`
	Sellers        []DimensionSummary   `json:"sellers"`
	Products       []DimensionSummary   `json:"products"`
	Channels       []DimensionSummary   `json:"channels"`
	Funnel         []FunnelStage        `json:"funnel"`
	Marketing      []ChannelPerformance `json:"marketing"`
	MarketingError string               `json:"marketing_error,omitempty"`
}

// MonthlyTrend is the monthly bucket series of a window
type MonthlyTrend struct {
	Provenance
	Period Period          `json:"period"`
	Months []MonthlyBucket `json:"months"`
}

// DimensionReport lists summaries along one dimension
type DimensionReport struct {
	Provenance
	Period    Period             `json:"period"`
	Dimension Dimension          `json:"dimension"`
	Items     []DimensionSummary `json:"items"`
}

// FunnelReport lists pipeline stages in order
type FunnelReport struct {
	Provenance
	Period Period        `json:"period"`
	Stages []FunnelStage `json:"stages"`
}

// MarketingReport lists per-channel marketing performance. Error is set when
// the ad platform could not be reached; revenue columns are still filled.
type MarketingReport struct {
	Provenance
	Period   Period               `json:"period"`
	Channels []ChannelPerformance `json:"channels"`
	Error    string               `json:"error,omitempty"`
}
