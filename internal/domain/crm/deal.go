package crm

import (
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DealStatus represents the outcome of a deal
type DealStatus string

const (
	DealStatusOpen DealStatus = "OPEN"
	DealStatusWon  DealStatus = "WON"
	DealStatusLost DealStatus = "LOST"
)

// IsValid reports whether the status is known
func (s DealStatus) IsValid() bool {
	switch s {
	case DealStatusOpen, DealStatusWon, DealStatusLost:
		return true
	}
	return false
}

// Deal is an opportunity that progressed to negotiation or closing
type Deal struct {
	shared.BaseEntity
	CustomerID    uuid.UUID       `gorm:"type:uuid;not null;index" json:"customer_id"`
	OpportunityID *uuid.UUID      `gorm:"type:uuid;index" json:"opportunity_id,omitempty"`
	SellerID      *uuid.UUID      `gorm:"type:uuid;index" json:"seller_id,omitempty"`
	Product       string          `gorm:"type:varchar(200)" json:"product,omitempty"`
	Value         decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"value"`
	Status        DealStatus      `gorm:"type:varchar(10);not null;default:'OPEN';index" json:"status"`
	Channel       string          `gorm:"type:varchar(100)" json:"channel,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// TableName returns the table name for GORM
func (Deal) TableName() string {
	return string(EntityDeal)
}

// NewDeal creates an open deal for a customer
func NewDeal(tenantID, customerID uuid.UUID, product string, value decimal.Decimal) (*Deal, error) {
	d := &Deal{
		BaseEntity: shared.NewBaseEntity(tenantID),
		CustomerID: customerID,
		Product:    strings.TrimSpace(product),
		Value:      value,
		Status:     DealStatusOpen,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close marks the deal won or lost
func (d *Deal) Close(won bool, at time.Time) error {
	if d.Status != DealStatusOpen {
		return shared.NewDomainError("INVALID_STATE", "Deal is already closed")
	}
	if won {
		d.Status = DealStatusWon
	} else {
		d.Status = DealStatusLost
	}
	d.ClosedAt = &at
	d.UpdatedAt = at
	return nil
}

// IsWon reports whether the deal was won
func (d *Deal) IsWon() bool {
	return d.Status == DealStatusWon
}

// EffectiveAt returns the closing date, or the creation date for open deals
func (d *Deal) EffectiveAt() time.Time {
	if d.ClosedAt != nil {
		return *d.ClosedAt
	}
	return d.CreatedAt
}

// Validate checks the deal invariants
func (d *Deal) Validate() error {
	if d.CustomerID == uuid.Nil {
		return shared.NewDomainError("INVALID_CUSTOMER", "Deal must reference a customer")
	}
	if d.Value.IsNegative() {
		return shared.NewDomainError("INVALID_VALUE", "Deal value cannot be negative")
	}
	if !d.Status.IsValid() {
		return shared.NewDomainError("INVALID_STATUS", "Invalid deal status: "+string(d.Status))
	}
	return nil
}
