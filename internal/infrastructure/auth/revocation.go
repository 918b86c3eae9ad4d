package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRevocationPrefix = "token:blacklist:"

// RevocationList reports tokens revoked before they expire
type RevocationList interface {
	IsRevoked(ctx context.Context, claims *Claims) (bool, error)
}

// RedisRevocationList reads revocations from the Redis keyspace shared with
// the platform's identity service. A token is revoked when its jti is listed,
// or when it was issued at or before its user's logout-all timestamp.
type RedisRevocationList struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRevocationList creates a revocation list on an existing client
func NewRedisRevocationList(client *redis.Client) *RedisRevocationList {
	return &RedisRevocationList{client: client, keyPrefix: defaultRevocationPrefix}
}

func (l *RedisRevocationList) jtiKey(jti string) string {
	return l.keyPrefix + "jti:" + jti
}

func (l *RedisRevocationList) userKey(userID string) string {
	return l.keyPrefix + "user:" + userID
}

// Revoke lists jti until ttl elapses
func (l *RedisRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeUser revokes every token of userID issued up to now
func (l *RedisRevocationList) RevokeUser(ctx context.Context, userID string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.userKey(userID), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return nil
}

// IsRevoked implements RevocationList
func (l *RedisRevocationList) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	if claims.ID != "" {
		n, err := l.client.Exists(ctx, l.jtiKey(claims.ID)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check token revocation: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}

	raw, err := l.client.Get(ctx, l.userKey(claims.UserID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user revocation: %w", err)
	}
	revokedAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse revocation timestamp: %w", err)
	}
	if claims.IssuedAt == nil {
		return true, nil
	}
	return claims.IssuedAt.Unix() <= revokedAt, nil
}

var _ RevocationList = (*RedisRevocationList)(nil)
