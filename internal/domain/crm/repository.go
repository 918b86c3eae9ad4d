package crm

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordFilter selects the records feeding one analytics run
type RecordFilter struct {
	TenantID uuid.UUID
	From     time.Time // inclusive
	To       time.Time // exclusive
	SellerID *uuid.UUID
	Channel  string
}

// RecordReader reads raw CRM records for aggregation.
// Every method returns its own slice; callers may keep and mutate it.
type RecordReader interface {
	// FindOpportunities returns opportunities created within the window
	FindOpportunities(ctx context.Context, filter RecordFilter) ([]Opportunity, error)
	// FindDeals returns deals whose closing date (or creation date while open) is within the window
	FindDeals(ctx context.Context, filter RecordFilter) ([]Deal, error)
	// FindQuotes returns quotes created within the window, with items
	FindQuotes(ctx context.Context, filter RecordFilter) ([]Quote, error)
	// FindTransactions returns transactions that occurred within the window
	FindTransactions(ctx context.Context, filter RecordFilter) ([]Transaction, error)
}
