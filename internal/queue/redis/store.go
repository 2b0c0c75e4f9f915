// Package redis implements queue.Queue on top of Redis Streams.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/queue"
)

// Store is the Redis Streams-backed queue.Queue implementation.
type Store struct {
	client *redis.Client
	log    *logging.Logger
}

var _ queue.Queue = (*Store)(nil)

// NewFromURL parses a redis:// URL (as produced by REDIS_URL) and connects.
func NewFromURL(redisURL string, log *logging.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue/redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue/redis: ping: %w", err)
	}
	if log == nil {
		log = logging.New(logging.Config{Component: "queue"})
	}
	return &Store{client: client, log: log}, nil
}

// NewFromClient wraps an already-constructed client, used when the cache
// and queue packages share one connection.
func NewFromClient(client *redis.Client, log *logging.Logger) *Store {
	return &Store{client: client, log: log}
}

func (s *Store) Close() error {
	return s.client.Close()
}
