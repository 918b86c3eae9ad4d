package crm

import (
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a financial movement
type TransactionType string

const (
	TransactionRevenue TransactionType = "REVENUE"
	TransactionExpense TransactionType = "EXPENSE"
	TransactionRefund  TransactionType = "REFUND"
)

// IsValid reports whether the type is known
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionRevenue, TransactionExpense, TransactionRefund:
		return true
	}
	return false
}

// Transaction is a financial movement. Amount is always positive, the type
// carries the direction.
type Transaction struct {
	shared.BaseEntity
	CustomerID *uuid.UUID      `gorm:"type:uuid;index" json:"customer_id,omitempty"`
	DealID     *uuid.UUID      `gorm:"type:uuid;index" json:"deal_id,omitempty"`
	SellerID   *uuid.UUID      `gorm:"type:uuid;index" json:"seller_id,omitempty"`
	Type       TransactionType `gorm:"type:varchar(10);not null;index" json:"type"`
	Category   string          `gorm:"type:varchar(100)" json:"category,omitempty"`
	Amount     decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"amount"`
	Channel    string          `gorm:"type:varchar(100)" json:"channel,omitempty"`
	Product    string          `gorm:"type:varchar(200)" json:"product,omitempty"`
	OccurredAt time.Time       `gorm:"not null;index" json:"occurred_at"`
}

// TableName returns the table name for GORM
func (Transaction) TableName() string {
	return string(EntityTransaction)
}

// NewTransaction creates a financial movement
func NewTransaction(tenantID uuid.UUID, txType TransactionType, amount decimal.Decimal, occurredAt time.Time) (*Transaction, error) {
	tx := &Transaction{
		BaseEntity: shared.NewBaseEntity(tenantID),
		Type:       txType,
		Amount:     amount,
		OccurredAt: occurredAt,
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// IsRevenue reports whether the transaction is income
func (t *Transaction) IsRevenue() bool {
	return t.Type == TransactionRevenue
}

// Month returns the YYYY-MM bucket of the transaction
func (t *Transaction) Month() string {
	return t.OccurredAt.UTC().Format("2006-01")
}

// Validate checks the transaction invariants
func (t *Transaction) Validate() error {
	if !t.Type.IsValid() {
		return shared.NewDomainError("INVALID_TYPE", "Invalid transaction type: "+string(t.Type))
	}
	if !t.Amount.IsPositive() {
		return shared.NewDomainError("INVALID_AMOUNT", "Transaction amount must be positive")
	}
	if t.OccurredAt.IsZero() {
		return shared.NewDomainError("INVALID_DATE", "Transaction date is required")
	}
	return nil
}
