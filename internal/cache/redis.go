package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sync:cache:"

// RedisCache shares cache entries between processes on the same host.
// Expiry is delegated to Redis key TTLs.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *slog.Logger
}

func NewRedisCache(client *redis.Client, defaultTTL time.Duration, logger *slog.Logger) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisCache{client: client, defaultTTL: defaultTTL, logger: logger}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

// Get treats any Redis error as a miss; the caller falls back to the remote store.
func (r *RedisCache) Get(ctx context.Context, key string) (models.Payload, bool) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Redis cache read failed", "key", key, "error", err)
		}
		metrics.CacheRequests.WithLabelValues("redis", "miss").Inc()
		return models.Payload{}, false
	}

	var p models.Payload
	if err := p.UnmarshalJSON(data); err != nil {
		r.logger.Warn("Dropping undecodable cache entry", "key", key, "error", err)
		_ = r.client.Del(ctx, redisKey(key)).Err()
		metrics.CacheRequests.WithLabelValues("redis", "miss").Inc()
		return models.Payload{}, false
	}
	metrics.CacheRequests.WithLabelValues("redis", "hit").Inc()
	return p, true
}

func (r *RedisCache) Put(ctx context.Context, key string, value models.Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	data, err := value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (r *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	return r.deleteMatching(ctx, redisKey(prefix)+"*")
}

func (r *RedisCache) InvalidateAll(ctx context.Context) error {
	return r.deleteMatching(ctx, redisKeyPrefix+"*")
}

func (r *RedisCache) deleteMatching(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}
	return nil
}
