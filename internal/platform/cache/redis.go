// Package cache holds the redis-backed cache for precomputed ranking views.
// All views live as fields of one hash so a single DEL drops them together.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 10 * time.Minute

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type RankingCache struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

func NewRankingCache(client *redis.Client, ttl time.Duration) *RankingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RankingCache{redis: client, key: "drugprice:rankings:v1", ttl: ttl}
}

// Get decodes the cached view into dst. It reports false when the view is
// not cached.
func (c *RankingCache) Get(ctx context.Context, view string, dst any) (bool, error) {
	result, err := c.redis.HGet(ctx, c.key, view).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(result), dst); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores a view and refreshes the expiry of the whole hash.
func (c *RankingCache) Set(ctx context.Context, view string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key, view, payload)
		pipe.Expire(ctx, c.key, c.ttl)
		return nil
	})
	return err
}

// Invalidate drops every cached view.
func (c *RankingCache) Invalidate(ctx context.Context) error {
	return c.redis.Del(ctx, c.key).Err()
}
