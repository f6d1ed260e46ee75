// Package session holds the Session Registry: the cache entry whose presence
// is required for an access token to be accepted.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "session:"

// Registry tracks live access-token issuances by {userId, deviceId, jti}.
type Registry interface {
	Put(ctx context.Context, userID, deviceID, jti, token string, ttl time.Duration) error
	Exists(ctx context.Context, userID, deviceID, jti string) (bool, error)
	Delete(ctx context.Context, userID, deviceID, jti string) error
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
}

// Key builds the registry key session:{userId}:{deviceId}:{jti}.
func Key(userID, deviceID, jti string) string {
	return keyPrefix + userID + ":" + deviceID + ":" + jti
}

// RedisRegistry implements Registry on Redis.
type RedisRegistry struct {
	client redis.UniversalClient
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func validParts(parts ...string) error {
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, ":*?[]") {
			return errors.New("session: invalid key component")
		}
	}
	return nil
}

// Put stores token under the issuance key for ttl.
func (r *RedisRegistry) Put(ctx context.Context, userID, deviceID, jti, token string, ttl time.Duration) error {
	if err := validParts(userID, deviceID, jti); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("session: ttl must be positive")
	}
	if err := r.client.Set(ctx, Key(userID, deviceID, jti), token, ttl).Err(); err != nil {
		return fmt.Errorf("session: put: %w", err)
	}
	return nil
}

// Exists reports whether the issuance is still registered.
func (r *RedisRegistry) Exists(ctx context.Context, userID, deviceID, jti string) (bool, error) {
	if err := validParts(userID, deviceID, jti); err != nil {
		return false, nil
	}
	n, err := r.client.Exists(ctx, Key(userID, deviceID, jti)).Result()
	if err != nil {
		return false, fmt.Errorf("session: exists: %w", err)
	}
	return n == 1, nil
}

// Delete removes a single issuance. Deleting a missing key is not an error.
func (r *RedisRegistry) Delete(ctx context.Context, userID, deviceID, jti string) error {
	if err := validParts(userID, deviceID, jti); err != nil {
		return err
	}
	if err := r.client.Del(ctx, Key(userID, deviceID, jti)).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every issuance of userID across devices and
// returns how many entries were removed.
func (r *RedisRegistry) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	if err := validParts(userID); err != nil {
		return 0, err
	}
	pattern := keyPrefix + userID + ":*"

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, fmt.Errorf("session: scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("session: delete all: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
