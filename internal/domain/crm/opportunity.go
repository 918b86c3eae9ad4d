package crm

import (
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpportunityStage is a step of the sales pipeline
type OpportunityStage string

const (
	StageProspecting   OpportunityStage = "PROSPECTING"
	StageQualification OpportunityStage = "QUALIFICATION"
	StageProposal      OpportunityStage = "PROPOSAL"
	StageNegotiation   OpportunityStage = "NEGOTIATION"
	StageClosedWon     OpportunityStage = "CLOSED_WON"
	StageClosedLost    OpportunityStage = "CLOSED_LOST"
)

// PipelineStages returns all stages in funnel order
func PipelineStages() []OpportunityStage {
	return []OpportunityStage{
		StageProspecting,
		StageQualification,
		StageProposal,
		StageNegotiation,
		StageClosedWon,
		StageClosedLost,
	}
}

// IsValid reports whether the stage is known
func (s OpportunityStage) IsValid() bool {
	for _, st := range PipelineStages() {
		if st == s {
			return true
		}
	}
	return false
}

// IsOpen reports whether the opportunity is still in the pipeline
func (s OpportunityStage) IsOpen() bool {
	return s != StageClosedWon && s != StageClosedLost
}

// Opportunity is a potential sale tracked through the pipeline
type Opportunity struct {
	shared.BaseEntity
	CustomerID      uuid.UUID        `gorm:"type:uuid;not null;index" json:"customer_id"`
	SellerID        *uuid.UUID       `gorm:"type:uuid;index" json:"seller_id,omitempty"`
	Title           string           `gorm:"type:varchar(200);not null" json:"title"`
	Value           decimal.Decimal  `gorm:"type:decimal(18,2);not null;default:0" json:"value"`
	Stage           OpportunityStage `gorm:"type:varchar(20);not null;default:'PROSPECTING';index" json:"stage"`
	Probability     int              `gorm:"not null;default:0" json:"probability"`
	Channel         string           `gorm:"type:varchar(100)" json:"channel,omitempty"`
	ExpectedCloseAt *time.Time       `json:"expected_close_at,omitempty"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
}

// TableName returns the table name for GORM
func (Opportunity) TableName() string {
	return string(EntityOpportunity)
}

// NewOpportunity creates an opportunity in the prospecting stage
func NewOpportunity(tenantID, customerID uuid.UUID, title string, value decimal.Decimal) (*Opportunity, error) {
	o := &Opportunity{
		BaseEntity: shared.NewBaseEntity(tenantID),
		CustomerID: customerID,
		Title:      strings.TrimSpace(title),
		Value:      value,
		Stage:      StageProspecting,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// IsWon reports whether the opportunity closed won
func (o *Opportunity) IsWon() bool {
	return o.Stage == StageClosedWon
}

// MoveTo advances the opportunity to the given stage
func (o *Opportunity) MoveTo(stage OpportunityStage, at time.Time) error {
	if !stage.IsValid() {
		return shared.NewDomainError("INVALID_STAGE", "Invalid opportunity stage: "+string(stage))
	}
	if !o.Stage.IsOpen() {
		return shared.NewDomainError("INVALID_STATE", "Opportunity is already closed")
	}
	o.Stage = stage
	if !stage.IsOpen() {
		o.ClosedAt = &at
		if stage == StageClosedWon {
			o.Probability = 100
		} else {
			o.Probability = 0
		}
	}
	o.UpdatedAt = at
	return nil
}

// WeightedValue returns value × probability / 100
func (o *Opportunity) WeightedValue() decimal.Decimal {
	return o.Value.Mul(decimal.NewFromInt(int64(o.Probability))).Div(decimal.NewFromInt(100))
}

// Validate checks the opportunity invariants
func (o *Opportunity) Validate() error {
	if o.CustomerID == uuid.Nil {
		return shared.NewDomainError("INVALID_CUSTOMER", "Opportunity must reference a customer")
	}
	if o.Title == "" {
		return shared.NewDomainError("INVALID_TITLE", "Opportunity title cannot be empty")
	}
	if o.Value.IsNegative() {
		return shared.NewDomainError("INVALID_VALUE", "Opportunity value cannot be negative")
	}
	if o.Probability < 0 || o.Probability > 100 {
		return shared.NewDomainError("INVALID_PROBABILITY", "Probability must be between 0 and 100")
	}
	if !o.Stage.IsValid() {
		return shared.NewDomainError("INVALID_STAGE", "Invalid opportunity stage: "+string(o.Stage))
	}
	return nil
}
