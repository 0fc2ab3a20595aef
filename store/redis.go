package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-fulfillment/flow"
	"github.com/redis/go-redis/v9"
)

// RedisAdapter satisfies flow.RedisClient over go-redis.
type RedisAdapter struct {
	client redis.Cmdable
}

var _ flow.RedisClient = (*RedisAdapter)(nil)

func NewRedisAdapter(client redis.Cmdable) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisAdapter) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
