package crm

import (
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteStatus represents the state of a priced proposal
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "DRAFT"
	QuoteStatusSent     QuoteStatus = "SENT"
	QuoteStatusAccepted QuoteStatus = "ACCEPTED"
	QuoteStatusRejected QuoteStatus = "REJECTED"
	QuoteStatusExpired  QuoteStatus = "EXPIRED"
)

// IsValid reports whether the status is known
func (s QuoteStatus) IsValid() bool {
	switch s {
	case QuoteStatusDraft, QuoteStatusSent, QuoteStatusAccepted, QuoteStatusRejected, QuoteStatusExpired:
		return true
	}
	return false
}

// QuoteItem is a priced line of a quote
type QuoteItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	QuoteID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"quote_id"`
	Product   string          `gorm:"type:varchar(200);not null" json:"product"`
	Quantity  decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"unit_price"`
}

// TableName returns the table name for GORM
func (QuoteItem) TableName() string {
	return "quote_items"
}

// Subtotal returns quantity × unit price
func (i QuoteItem) Subtotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice)
}

// Quote is a priced proposal linked to a customer
type Quote struct {
	shared.BaseEntity
	CustomerID uuid.UUID       `gorm:"type:uuid;not null;index" json:"customer_id"`
	SellerID   *uuid.UUID      `gorm:"type:uuid;index" json:"seller_id,omitempty"`
	Number     string          `gorm:"type:varchar(50);not null" json:"number"`
	Status     QuoteStatus     `gorm:"type:varchar(10);not null;default:'DRAFT';index" json:"status"`
	Items      []QuoteItem     `gorm:"foreignKey:QuoteID" json:"items"`
	Total      decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"total"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
}

// TableName returns the table name for GORM
func (Quote) TableName() string {
	return string(EntityQuote)
}

// NewQuote creates a draft quote
func NewQuote(tenantID, customerID uuid.UUID, number string) (*Quote, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, shared.NewDomainError("INVALID_NUMBER", "Quote number cannot be empty")
	}
	if customerID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_CUSTOMER", "Quote must reference a customer")
	}
	return &Quote{
		BaseEntity: shared.NewBaseEntity(tenantID),
		CustomerID: customerID,
		Number:     number,
		Status:     QuoteStatusDraft,
		Total:      decimal.Zero,
	}, nil
}

// AddItem appends a line and keeps the total in sync
func (q *Quote) AddItem(product string, quantity, unitPrice decimal.Decimal) error {
	product = strings.TrimSpace(product)
	if product == "" {
		return shared.NewDomainError("INVALID_PRODUCT", "Quote item product cannot be empty")
	}
	if !quantity.IsPositive() {
		return shared.NewDomainError("INVALID_QUANTITY", "Quote item quantity must be positive")
	}
	if unitPrice.IsNegative() {
		return shared.NewDomainError("INVALID_PRICE", "Quote item price cannot be negative")
	}
	q.Items = append(q.Items, QuoteItem{
		ID:        uuid.New(),
		QuoteID:   q.ID,
		Product:   product,
		Quantity:  quantity,
		UnitPrice: unitPrice,
	})
	q.RecalculateTotal()
	return nil
}

// ItemsTotal returns Σ quantity × unit price over all items
func (q *Quote) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range q.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// RecalculateTotal sets Total from the items
func (q *Quote) RecalculateTotal() {
	q.Total = q.ItemsTotal()
	q.UpdatedAt = time.Now()
}

// IsAccepted reports whether the customer accepted the quote
func (q *Quote) IsAccepted() bool {
	return q.Status == QuoteStatusAccepted
}

// Validate checks the quote invariants, including total == Σ items
func (q *Quote) Validate() error {
	if q.CustomerID == uuid.Nil {
		return shared.NewDomainError("INVALID_CUSTOMER", "Quote must reference a customer")
	}
	if !q.Status.IsValid() {
		return shared.NewDomainError("INVALID_STATUS", "Invalid quote status: "+string(q.Status))
	}
	if expected := q.ItemsTotal(); !q.Total.Equal(expected) {
		return shared.NewDomainError("TOTAL_MISMATCH",
			"Quote total "+q.Total.StringFixed(2)+" does not match items total "+expected.StringFixed(2))
	}
	return nil
}
