package crm

import (
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Event type constants for record changes reported by the store
const (
	EventTypeRecordInserted = "crm.record.inserted"
	EventTypeRecordUpdated  = "crm.record.updated"
	EventTypeRecordDeleted  = "crm.record.deleted"
)

// RecordChangeEventTypes returns every record change event type
func RecordChangeEventTypes() []string {
	return []string{EventTypeRecordInserted, EventTypeRecordUpdated, EventTypeRecordDeleted}
}

// EventTypeForOperation maps a SQL operation (INSERT, UPDATE, DELETE) to an event type
func EventTypeForOperation(op string) (string, bool) {
	switch op {
	case "INSERT", "insert":
		return EventTypeRecordInserted, true
	case "UPDATE", "update":
		return EventTypeRecordUpdated, true
	case "DELETE", "delete":
		return EventTypeRecordDeleted, true
	}
	return "", false
}

// RecordChangedEvent is published when a CRM row is inserted, updated or deleted
type RecordChangedEvent struct {
	shared.BaseDomainEvent
	Entity EntityType `json:"entity"`
	Op     string     `json:"op"`
}

// NewRecordChangedEvent creates a new RecordChangedEvent
func NewRecordChangedEvent(eventType string, entity EntityType, recordID, tenantID uuid.UUID, op string) *RecordChangedEvent {
	return &RecordChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, string(entity), recordID, tenantID),
		Entity:          entity,
		Op:              op,
	}
}
