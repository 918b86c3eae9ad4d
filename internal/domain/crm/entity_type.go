package crm

import (
	"strings"

	"github.com/crm/backend/internal/domain/shared"
)

// EntityType identifies a kind of CRM record. Its value is the backing table name,
// which is also what change notifications carry.
type EntityType string

const (
	EntityCustomer    EntityType = "customers"
	EntityOpportunity EntityType = "opportunities"
	EntityDeal        EntityType = "deals"
	EntityQuote       EntityType = "quotes"
	EntityTransaction EntityType = "transactions"
)

// AllEntityTypes returns every entity type in a stable order
func AllEntityTypes() []EntityType {
	return []EntityType{EntityCustomer, EntityOpportunity, EntityDeal, EntityQuote, EntityTransaction}
}

// String returns the string representation
func (e EntityType) String() string {
	return string(e)
}

// IsValid reports whether the entity type is known
func (e EntityType) IsValid() bool {
	for _, t := range AllEntityTypes() {
		if t == e {
			return true
		}
	}
	return false
}

// ParseEntityType resolves a table name (optionally schema qualified) or a
// singular alias into an EntityType
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if idx := strings.LastIndex(s, "."); idx >= 0 {
		s = s[idx+1:]
	}
	switch s {
	case "customer", "customers", "clientes":
		return EntityCustomer, nil
	case "opportunity", "opportunities", "oportunidades":
		return EntityOpportunity, nil
	case "deal", "deals", "negocios":
		return EntityDeal, nil
	case "quote", "quotes", "quote_items", "orcamentos":
		return EntityQuote, nil
	case "transaction", "transactions", "transacoes":
		return EntityTransaction, nil
	}
	return "", shared.NewDomainError("UNKNOWN_ENTITY", "Unknown entity type: "+s)
}
