package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultChangeChannel is the channel crm_notify_change() notifies on
const DefaultChangeChannel = "crm_changes"

// ChangeNotification is the JSON payload sent by the crm_notify_change trigger
type ChangeNotification struct {
	Table    string    `json:"table"`
	Op       string    `json:"op"`
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
}

// ParseChangeNotification converts a notification payload into a record change
// event. Schema-qualified and child tables resolve to their entity type.
func ParseChangeNotification(payload string) (*crm.RecordChangedEvent, error) {
	var n ChangeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, fmt.Errorf("decode change notification: %w", err)
	}

	entity, err := crm.ParseEntityType(n.Table)
	if err != nil {
		return nil, err
	}

	op := strings.ToUpper(n.Op)
	eventType, ok := crm.EventTypeForOperation(op)
	if !ok {
		return nil, fmt.Errorf("unknown change operation %q", n.Op)
	}
	if n.TenantID == uuid.Nil {
		return nil, fmt.Errorf("change notification for %s without tenant_id", n.Table)
	}

	return crm.NewRecordChangedEvent(eventType, entity, n.ID, n.TenantID, op), nil
}

// ListenerConfig configures the change listener connection
type ListenerConfig struct {
	DSN                  string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// ListenerStats counts received notifications
type ListenerStats struct {
	Received   int64 `json:"received"`
	Dropped    int64 `json:"dropped"`
	Reconnects int64 `json:"reconnects"`
}

// ChangeListener LISTENs for row change notifications and publishes them as
// RecordChangedEvents. After a reconnect notifications may have been missed,
// so the reconnect hook is called.
type ChangeListener struct {
	cfg         ListenerConfig
	publisher   shared.EventPublisher
	onReconnect func(ctx context.Context)
	logger      *zap.Logger

	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}

	received   atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

// ListenerOption configures a ChangeListener
type ListenerOption func(*ChangeListener)

// WithListenerLogger sets the logger
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *ChangeListener) {
		l.logger = logger
	}
}

// WithReconnectHook sets the function called after the connection is
// re-established
func WithReconnectHook(fn func(ctx context.Context)) ListenerOption {
	return func(l *ChangeListener) {
		l.onReconnect = fn
	}
}

// NewChangeListener creates a listener publishing to publisher
func NewChangeListener(cfg ListenerConfig, publisher shared.EventPublisher, opts ...ListenerOption) *ChangeListener {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChangeChannel
	}
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = 10 * time.Second
	}
	if cfg.MaxReconnectInterval < cfg.MinReconnectInterval {
		cfg.MaxReconnectInterval = time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 90 * time.Second
	}

	l := &ChangeListener{
		cfg:       cfg,
		publisher: publisher,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start opens the LISTEN connection and processes notifications until ctx is
// done or Stop is called
func (l *ChangeListener) Start(ctx context.Context) error {
	listener := pq.NewListener(l.cfg.DSN, l.cfg.MinReconnectInterval, l.cfg.MaxReconnectInterval, l.reportEvent)
	if err := listener.Listen(l.cfg.Channel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", l.cfg.Channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.listener = listener
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, listener.Notify, listener.Ping)

	l.logger.Info("Change listener started", zap.String("channel", l.cfg.Channel))
	return nil
}

// Stop ends processing and closes the connection
func (l *ChangeListener) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := l.listener.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	l.logger.Info("Change listener stopped")
	return nil
}

// Stats returns notification counters
func (l *ChangeListener) Stats() ListenerStats {
	return ListenerStats{
		Received:   l.received.Load(),
		Dropped:    l.dropped.Load(),
		Reconnects: l.reconnects.Load(),
	}
}

func (l *ChangeListener) run(ctx context.Context, notifications <-chan *pq.Notification, ping func() error) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			l.handle(ctx, n)
		case <-ticker.C:
			if err := ping(); err != nil {
				l.logger.Warn("Change listener ping failed", zap.Error(err))
			}
		}
	}
}

// handle processes one notification. lib/pq delivers nil after re-establishing
// a lost connection.
func (l *ChangeListener) handle(ctx context.Context, n *pq.Notification) {
	if n == nil {
		l.reconnects.Add(1)
		l.logger.Warn("Change listener reconnected, notifications may have been missed")
		if l.onReconnect != nil {
			l.onReconnect(ctx)
		}
		return
	}

	l.received.Add(1)
	evt, err := ParseChangeNotification(n.Extra)
	if err != nil {
		l.dropped.Add(1)
		l.logger.Warn("Dropping malformed change notification",
			zap.String("channel", n.Channel),
			zap.String("payload", n.Extra),
			zap.Error(err))
		return
	}

	if err := l.publisher.Publish(ctx, evt); err != nil {
		l.logger.Error("Failed to publish record change",
			zap.String("entity", string(evt.Entity)),
			zap.String("tenant_id", evt.TenantID().String()),
			zap.Error(err))
	}
}

func (l *ChangeListener) reportEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Debug("Change listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Change listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		l.logger.Info("Change listener connection re-established")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Change listener connection attempt failed", zap.Error(err))
	}
}
