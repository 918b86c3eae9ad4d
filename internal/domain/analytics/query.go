package analytics

import "github.com/crm/backend/internal/domain/crm"

// Query names an analytics read model
type Query string

const (
	QueryOverview     Query = "overview"
	QueryMonthlyTrend Query = "monthly_trend"
	QuerySellers      Query = "sellers"
	QueryProducts     Query = "products"
	QueryChannels     Query = "channels"
	QueryFunnel       Query = "funnel"
	QueryMarketing    Query = "marketing"
)

// Dependencies returns the record types a query reads. A change to any of
// them makes cached results of the query stale. The overview depends on
// customers because channel-filtered quotes are selected by lead source.
func (q Query) Dependencies() []crm.EntityType {
	switch q {
	case QueryMonthlyTrend:
		return []crm.EntityType{crm.EntityTransaction, crm.EntityDeal, crm.EntityOpportunity}
	case QuerySellers, QueryProducts, QueryChannels:
		return []crm.EntityType{crm.EntityTransaction, crm.EntityDeal}
	case QueryFunnel:
		return []crm.EntityType{crm.EntityOpportunity}
	case QueryMarketing:
		return []crm.EntityType{crm.EntityTransaction}
	default:
		return []crm.EntityType{crm.EntityOpportunity, crm.EntityDeal, crm.EntityQuote, crm.EntityTransaction, crm.EntityCustomer}
	}
}

// QueryKey identifies a cached result: the query name plus the canonical filter
type QueryKey struct {
	Entity  string
	Filters string
}

// NewQueryKey builds the cache key for a query and filter
func NewQueryKey(q Query, f Filter) QueryKey {
	return QueryKey{Entity: string(q), Filters: f.Normalize().Canonical()}
}

// String returns the flat form of the key
func (k QueryKey) String() string {
	if k.Filters == "" {
		return k.Entity
	}
	return k.Entity + "?" + k.Filters
}
