package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the optional shared external tier, letting several server
// instances reuse each other's provider results.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig configures the external tier.
type RedisConfig struct {
	// Addr like "localhost:6379".
	Addr string
	// Password, if the server requires one.
	Password string
	// DB selects the logical database.
	DB int
	// KeyPrefix namespaces this runtime's entries (default "dispatch:cache:").
	KeyPrefix string
}

// NewRedis creates the external tier and verifies connectivity.
func NewRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "dispatch:cache:"
	}
	return &Redis{client: client, keyPrefix: prefix}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests.
func NewRedisFromClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "dispatch:cache:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Put implements Cache. Redis owns TTL expiry for this tier.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate implements Cache.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// InvalidatePrefix implements Cache using cursor iteration, so large
// keyspaces are cleared without blocking the server.
func (r *Redis) InvalidatePrefix(ctx context.Context, prefix string) error {
	pattern := r.keyPrefix + prefix + "*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close implements Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}
