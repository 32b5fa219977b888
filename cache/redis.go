package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/redis/go-redis/v9"
)

// Redis is a Cache shared by every process pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string // Optional prefix for keys
}

// compile-time check
var _ acctlink.Cache = (*Redis)(nil)

// NewRedis creates a Redis-backed cache. Keys are stored as "<prefix>:<key>"
// when prefix is non-empty.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) redisKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

// Get implements acctlink.Cache.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("acctlink/cache: redis get: %w", err)
	}
	return v, true, nil
}

// Set implements acctlink.Cache. A zero ttl never expires.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("acctlink/cache: redis set: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
