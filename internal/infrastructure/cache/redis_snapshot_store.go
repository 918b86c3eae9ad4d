package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSnapshotPrefix = "crm:analytics:snapshot:"

// RedisSnapshotStore keeps the last computed aggregate of each query in Redis
// so an instance that cannot reach the database can still serve it
type RedisSnapshotStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSnapshotStore creates a snapshot store on an existing Redis client.
// A zero ttl keeps snapshots until overwritten.
func NewRedisSnapshotStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisSnapshotStore {
	if keyPrefix == "" {
		keyPrefix = defaultSnapshotPrefix
	}
	return &RedisSnapshotStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Save stores value as JSON under key
func (s *RedisSnapshotStore) Save(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load decodes the snapshot stored under key into dst. It reports false when
// no snapshot exists.
func (s *RedisSnapshotStore) Load(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return true, nil
}

// Delete removes the snapshot stored under key
func (s *RedisSnapshotStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
