package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/auditra/auditra/internal/ports"
)

const keyPrefix = "audit:latest:"

// RedisLatestHashCache caches each subject's latest hash in Redis. It is a
// read-through accelerator only: callers always fall back to the store on a
// miss, and a stale entry is corrected by the writer's conflict retry, so a
// cache failure never affects correctness.
type RedisLatestHashCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Config configures the cache connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisLatestHashCache connects to Redis and returns the cache.
func NewRedisLatestHashCache(config Config) (ports.LatestHashCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLatestHashCache{client: client, ttl: config.TTL}, nil
}

func (c *RedisLatestHashCache) Get(ctx context.Context, subjectID string) (string, bool, error) {
	hash, err := c.client.Get(ctx, keyPrefix+subjectID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read latest hash from cache: %w", err)
	}
	return hash, true, nil
}

func (c *RedisLatestHashCache) Set(ctx context.Context, subjectID, hash string) error {
	if err := c.client.Set(ctx, keyPrefix+subjectID, hash, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write latest hash to cache: %w", err)
	}
	return nil
}

func (c *RedisLatestHashCache) Invalidate(ctx context.Context, subjectID string) error {
	if err := c.client.Del(ctx, keyPrefix+subjectID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate latest hash in cache: %w", err)
	}
	return nil
}
