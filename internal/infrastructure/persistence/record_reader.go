package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/crm/backend/internal/domain/crm"
	"gorm.io/gorm"
)

// GormRecordReader implements crm.RecordReader using GORM
type GormRecordReader struct {
	db *gorm.DB
}

// NewGormRecordReader creates a new GormRecordReader
func NewGormRecordReader(db *gorm.DB) *GormRecordReader {
	return &GormRecordReader{db: db}
}

// scoped applies the tenant, window and seller conditions. dateExpr is the
// column (or expression) the window applies to.
func (r *GormRecordReader) scoped(ctx context.Context, dateExpr string, f crm.RecordFilter) *gorm.DB {
	q := r.db.WithContext(ctx).
		Where("tenant_id = ?", f.TenantID).
		Where(dateExpr+" >= ? AND "+dateExpr+" < ?", f.From, f.To)
	if f.SellerID != nil {
		q = q.Where("seller_id = ?", *f.SellerID)
	}
	return q
}

// channelCondition matches column against channel ignoring case and
// surrounding spaces. The "Outros" bucket also matches missing values.
func channelCondition(column, channel string) (string, []any) {
	value := strings.ToLower(strings.TrimSpace(channel))
	cond := "LOWER(TRIM(" + column + ")) = ?"
	if strings.EqualFold(value, crm.OtherBucket) {
		cond = "(" + column + " IS NULL OR TRIM(" + column + ") = '' OR " + cond + ")"
	}
	return cond, []any{value}
}

func withChannel(q *gorm.DB, column, channel string) *gorm.DB {
	if strings.TrimSpace(channel) == "" {
		return q
	}
	cond, args := channelCondition(column, channel)
	return q.Where(cond, args...)
}

// FindOpportunities returns opportunities created within the window
func (r *GormRecordReader) FindOpportunities(ctx context.Context, f crm.RecordFilter) ([]crm.Opportunity, error) {
	var opportunities []crm.Opportunity
	q := withChannel(r.scoped(ctx, "created_at", f), "channel", f.Channel)
	if err := q.Order("created_at, id").Find(&opportunities).Error; err != nil {
		return nil, fmt.Errorf("find opportunities: %w", err)
	}
	return opportunities, nil
}

// FindDeals returns deals closed within the window, and open deals created in it
func (r *GormRecordReader) FindDeals(ctx context.Context, f crm.RecordFilter) ([]crm.Deal, error) {
	var deals []crm.Deal
	q := withChannel(r.scoped(ctx, "COALESCE(closed_at, created_at)", f), "channel", f.Channel)
	if err := q.Order("COALESCE(closed_at, created_at), id").Find(&deals).Error; err != nil {
		return nil, fmt.Errorf("find deals: %w", err)
	}
	return deals, nil
}

// FindQuotes returns quotes created within the window with their items. Quotes
// carry no channel of their own; the channel filter applies to the
// customer's lead source.
func (r *GormRecordReader) FindQuotes(ctx context.Context, f crm.RecordFilter) ([]crm.Quote, error) {
	var quotes []crm.Quote
	q := r.scoped(ctx, "created_at", f)
	if strings.TrimSpace(f.Channel) != "" {
		customers := withChannel(
			r.db.Model(&crm.Customer{}).Select("id").Where("tenant_id = ?", f.TenantID),
			"lead_source", f.Channel)
		q = q.Where("customer_id IN (?)", customers)
	}
	err := q.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("product, id")
	}).Order("created_at, id").Find(&quotes).Error
	if err != nil {
		return nil, fmt.Errorf("find quotes: %w", err)
	}
	return quotes, nil
}

// FindTransactions returns transactions that occurred within the window
func (r *GormRecordReader) FindTransactions(ctx context.Context, f crm.RecordFilter) ([]crm.Transaction, error) {
	var transactions []crm.Transaction
	q := withChannel(r.scoped(ctx, "occurred_at", f), "channel", f.Channel)
	if err := q.Order("occurred_at, id").Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	return transactions, nil
}

var _ crm.RecordReader = (*GormRecordReader)(nil)
