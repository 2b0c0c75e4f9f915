// Package redis implements cache.Cache on top of a Redis client shared
// with (or separate from) the queue package's Streams connection.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltask/voltask/internal/cache"
)

// Store is the Redis-backed cache.Cache implementation.
type Store struct {
	client *redis.Client
}

var _ cache.Cache = (*Store)(nil)

// NewFromURL parses a redis:// URL and connects.
func NewFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache/redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache/redis: ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an already-constructed client.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}
