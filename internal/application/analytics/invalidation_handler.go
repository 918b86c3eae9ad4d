package analytics

import (
	"context"
	"fmt"

	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// EntityInvalidator marks cached results depending on an entity stale
type EntityInvalidator interface {
	Invalidate(ctx context.Context, entity crm.EntityType) int
}

// CacheInvalidationHandler handles RecordChangedEvent and invalidates the
// cached analytics derived from the changed entity
type CacheInvalidationHandler struct {
	invalidator EntityInvalidator
	logger      *zap.Logger
}

// NewCacheInvalidationHandler creates a new handler for record change events
func NewCacheInvalidationHandler(invalidator EntityInvalidator, logger *zap.Logger) *CacheInvalidationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheInvalidationHandler{
		invalidator: invalidator,
		logger:      logger,
	}
}

// EventTypes returns the event types this handler is interested in
func (h *CacheInvalidationHandler) EventTypes() []string {
	return crm.RecordChangeEventTypes()
}

// Handle processes a RecordChangedEvent
func (h *CacheInvalidationHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	changed, ok := event.(*crm.RecordChangedEvent)
	if !ok {
		h.logger.Error("unexpected event type",
			zap.String("actual", event.EventType()),
		)
		return fmt.Errorf("unexpected event type: %s", event.EventType())
	}

	n := h.invalidator.Invalidate(ctx, changed.Entity)

	h.logger.Debug("analytics cache invalidated",
		zap.String("tenant_id", event.TenantID().String()),
		zap.String("entity", string(changed.Entity)),
		zap.String("op", changed.Op),
		zap.String("record_id", event.AggregateID().String()),
		zap.Int("entries", n),
	)
	return nil
}
