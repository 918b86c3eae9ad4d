package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingHandler collects handled events
type recordingHandler struct {
	eventTypes []string
	err        error
	panicMsg   string

	mu      sync.Mutex
	handled []shared.DomainEvent
}

func newRecordingHandler(eventTypes ...string) *recordingHandler {
	return &recordingHandler{eventTypes: eventTypes}
}

func (h *recordingHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	h.handled = append(h.handled, event)
	h.mu.Unlock()
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	return h.err
}

func (h *recordingHandler) EventTypes() []string {
	return h.eventTypes
}

func (h *recordingHandler) events() []shared.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]shared.DomainEvent(nil), h.handled...)
}

func dealChanged(op string) *crm.RecordChangedEvent {
	eventType, _ := crm.EventTypeForOperation(op)
	return crm.NewRecordChangedEvent(eventType, crm.EntityDeal, uuid.New(), uuid.New(), op)
}

func startedBus(t *testing.T) *InMemoryEventBus {
	t.Helper()
	bus := NewInMemoryEventBus(zap.NewNop())
	require.NoError(t, bus.Start(context.Background()))
	return bus
}

func TestInMemoryEventBus_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to handlers of the event type", func(t *testing.T) {
		bus := startedBus(t)
		inserted := newRecordingHandler(crm.EventTypeRecordInserted)
		deleted := newRecordingHandler(crm.EventTypeRecordDeleted)
		bus.Subscribe(inserted)
		bus.Subscribe(deleted)

		evt := dealChanged("INSERT")
		require.NoError(t, bus.Publish(ctx, evt))

		require.Len(t, inserted.events(), 1)
		assert.Same(t, evt, inserted.events()[0])
		assert.Empty(t, deleted.events())
	})

	t.Run("subscribing with explicit types overrides the handler's own", func(t *testing.T) {
		bus := startedBus(t)
		h := newRecordingHandler(crm.EventTypeRecordInserted)
		bus.Subscribe(h, crm.EventTypeRecordUpdated)

		require.NoError(t, bus.Publish(ctx, dealChanged("INSERT"), dealChanged("UPDATE")))

		require.Len(t, h.events(), 1)
		assert.Equal(t, crm.EventTypeRecordUpdated, h.events()[0].EventType())
	})

	t.Run("wildcard handler receives every event", func(t *testing.T) {
		bus := startedBus(t)
		all := newRecordingHandler()
		bus.Subscribe(all)

		require.NoError(t, bus.Publish(ctx, dealChanged("INSERT"), dealChanged("DELETE")))
		assert.Len(t, all.events(), 2)
	})

	t.Run("failing and panicking handlers do not stop delivery", func(t *testing.T) {
		bus := startedBus(t)
		failing := newRecordingHandler(crm.EventTypeRecordUpdated)
		failing.err = errors.New("handler error")
		panicking := newRecordingHandler(crm.EventTypeRecordUpdated)
		panicking.panicMsg = "boom"
		healthy := newRecordingHandler(crm.EventTypeRecordUpdated)
		bus.Subscribe(failing)
		bus.Subscribe(panicking)
		bus.Subscribe(healthy)

		require.NoError(t, bus.Publish(ctx, dealChanged("UPDATE")))

		assert.Len(t, healthy.events(), 1)
		assert.Equal(t, BusStats{Published: 1, Delivered: 1, Failed: 2}, bus.Stats())
	})

	t.Run("unsubscribed handler receives nothing", func(t *testing.T) {
		bus := startedBus(t)
		h := newRecordingHandler(crm.EventTypeRecordDeleted)
		bus.Subscribe(h)
		require.NoError(t, bus.Publish(ctx, dealChanged("DELETE")))

		bus.Unsubscribe(h)
		require.NoError(t, bus.Publish(ctx, dealChanged("DELETE")))

		assert.Len(t, h.events(), 1)
	})

	t.Run("stopped bus rejects events", func(t *testing.T) {
		bus := startedBus(t)
		h := newRecordingHandler()
		bus.Subscribe(h)
		require.NoError(t, bus.Stop(ctx))

		err := bus.Publish(ctx, dealChanged("INSERT"))
		assert.ErrorIs(t, err, ErrBusStopped)
		assert.Empty(t, h.events())
	})
}
