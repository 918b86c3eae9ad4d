package crm

import (
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// CustomerStatus represents the lifecycle status of a customer
type CustomerStatus string

const (
	CustomerStatusLead     CustomerStatus = "LEAD"
	CustomerStatusActive   CustomerStatus = "ACTIVE"
	CustomerStatusInactive CustomerStatus = "INACTIVE"
)

// IsValid reports whether the status is known
func (s CustomerStatus) IsValid() bool {
	switch s {
	case CustomerStatusLead, CustomerStatusActive, CustomerStatusInactive:
		return true
	}
	return false
}

// Customer is a person or company the sales team works with
type Customer struct {
	shared.BaseEntity
	Name       string         `gorm:"type:varchar(200);not null" json:"name"`
	Email      string         `gorm:"type:varchar(200);index" json:"email,omitempty"`
	Phone      string         `gorm:"type:varchar(50)" json:"phone,omitempty"`
	LeadSource string         `gorm:"column:lead_source;type:varchar(100)" json:"lead_source,omitempty"`
	SellerID   *uuid.UUID     `gorm:"type:uuid;index" json:"seller_id,omitempty"`
	Status     CustomerStatus `gorm:"type:varchar(20);not null;default:'LEAD'" json:"status"`
}

// TableName returns the table name for GORM
func (Customer) TableName() string {
	return string(EntityCustomer)
}

// NewCustomer creates a new lead
func NewCustomer(tenantID uuid.UUID, name, leadSource string) (*Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.NewDomainError("INVALID_NAME", "Customer name cannot be empty")
	}
	return &Customer{
		BaseEntity: shared.NewBaseEntity(tenantID),
		Name:       name,
		LeadSource: strings.TrimSpace(leadSource),
		Status:     CustomerStatusLead,
	}, nil
}

// Channel returns the acquisition channel, or OtherBucket when unknown
func (c *Customer) Channel() string {
	return NormalizeDimension(c.LeadSource)
}

// Activate promotes a lead to an active customer
func (c *Customer) Activate() {
	c.Status = CustomerStatusActive
	c.UpdatedAt = time.Now()
}

// Validate checks the customer invariants
func (c *Customer) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return shared.NewDomainError("INVALID_NAME", "Customer name cannot be empty")
	}
	if !c.Status.IsValid() {
		return shared.NewDomainError("INVALID_STATUS", "Invalid customer status: "+string(c.Status))
	}
	return nil
}
