package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Constants for relay configuration
const (
	DefaultInvalidationChannel = "crm:analytics:invalidate"
	defaultCloseTimeout        = 5 * time.Second
)

// InvalidationScope describes what an invalidation message targets
type InvalidationScope string

const (
	ScopeEntity InvalidationScope = "entity"
	ScopeKey    InvalidationScope = "key"
	ScopeAll    InvalidationScope = "all"
)

// InvalidationMessage is broadcast to other instances sharing the Redis channel
type InvalidationMessage struct {
	Origin    string            `json:"origin"`
	Scope     InvalidationScope `json:"scope"`
	Entity    string            `json:"entity,omitempty"`
	Key       string            `json:"key,omitempty"`
	Filters   string            `json:"filters,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisInvalidationRelay fans cache invalidations out to every instance
// through Redis Pub/Sub. Messages published by this instance are ignored on
// receipt.
type RedisInvalidationRelay struct {
	client    *redis.Client
	channel   string
	origin    string
	logger    *zap.Logger
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	doneOnce  sync.Once
	mu        sync.Mutex
	isRunning bool
}

// RedisInvalidationRelayOption is a functional option for configuring the relay
type RedisInvalidationRelayOption func(*RedisInvalidationRelay)

// WithRelayChannel sets the Pub/Sub channel name
func WithRelayChannel(channel string) RedisInvalidationRelayOption {
	return func(r *RedisInvalidationRelay) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithRelayLogger sets the logger for the relay
func WithRelayLogger(logger *zap.Logger) RedisInvalidationRelayOption {
	return func(r *RedisInvalidationRelay) {
		r.logger = logger
	}
}

// WithRelayOrigin sets the instance identifier stamped on published messages
func WithRelayOrigin(origin string) RedisInvalidationRelayOption {
	return func(r *RedisInvalidationRelay) {
		if origin != "" {
			r.origin = origin
		}
	}
}

// NewRedisInvalidationRelay creates a relay on an existing Redis client.
// The caller retains ownership of the client.
func NewRedisInvalidationRelay(client *redis.Client, opts ...RedisInvalidationRelayOption) *RedisInvalidationRelay {
	r := &RedisInvalidationRelay{
		client:  client,
		channel: DefaultInvalidationChannel,
		origin:  uuid.NewString(),
		logger:  zap.NewNop(),
		doneCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Origin returns the identifier of this instance
func (r *RedisInvalidationRelay) Origin() string {
	return r.origin
}

// Publish broadcasts an invalidation message
func (r *RedisInvalidationRelay) Publish(ctx context.Context, msg InvalidationMessage) error {
	msg.Origin = r.origin
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation message: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Error("Failed to publish invalidation message",
			zap.String("channel", r.channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish invalidation message: %w", err)
	}

	r.logger.Debug("Published invalidation message",
		zap.String("scope", string(msg.Scope)),
		zap.String("entity", msg.Entity),
		zap.String("channel", r.channel))
	return nil
}

// PublishEntity broadcasts an entity invalidation
func (r *RedisInvalidationRelay) PublishEntity(ctx context.Context, entity string) error {
	return r.Publish(ctx, InvalidationMessage{Scope: ScopeEntity, Entity: entity})
}

// PublishAll broadcasts an invalidate-all
func (r *RedisInvalidationRelay) PublishAll(ctx context.Context) error {
	return r.Publish(ctx, InvalidationMessage{Scope: ScopeAll})
}

// Subscribe listens for invalidation messages from other instances and calls
// apply for each one. It blocks until ctx is done or Close is called.
func (r *RedisInvalidationRelay) Subscribe(ctx context.Context, apply func(ctx context.Context, msg InvalidationMessage)) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("subscription already running")
	}
	r.isRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	r.cancelFn = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
		r.markDone()
	}()

	pubsub := r.client.Subscribe(subCtx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err != nil {
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	r.logger.Info("Subscribed to cache invalidation channel",
		zap.String("channel", r.channel),
		zap.String("origin", r.origin))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			r.logger.Info("Cache invalidation subscription stopped")
			return subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn("Cache invalidation channel closed")
				return nil
			}

			var inv InvalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Error("Failed to unmarshal invalidation message",
					zap.String("payload", msg.Payload),
					zap.Error(err))
				continue
			}
			if inv.Origin == r.origin {
				continue
			}

			r.dispatch(subCtx, apply, inv)
		}
	}
}

func (r *RedisInvalidationRelay) dispatch(ctx context.Context, apply func(context.Context, InvalidationMessage), msg InvalidationMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic in invalidation callback", zap.Any("panic", rec))
		}
	}()
	apply(ctx, msg)
}

func (r *RedisInvalidationRelay) markDone() {
	r.doneOnce.Do(func() {
		close(r.doneCh)
	})
}

// Close stops the subscription and waits for it to exit
func (r *RedisInvalidationRelay) Close() error {
	r.mu.Lock()
	cancelFn := r.cancelFn
	r.mu.Unlock()

	if cancelFn == nil {
		return nil
	}
	cancelFn()

	select {
	case <-r.doneCh:
	case <-time.After(defaultCloseTimeout):
		r.logger.Warn("Timeout waiting for invalidation subscription to stop")
	}
	return nil
}
