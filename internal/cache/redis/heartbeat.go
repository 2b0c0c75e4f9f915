package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voltask/voltask/internal/cache"
)

func (s *Store) SetHeartbeat(ctx context.Context, agentUID string) error {
	key := cache.KeyHeartbeat + agentUID
	if err := s.client.Set(ctx, key, "1", cache.TTLHeartbeat).Err(); err != nil {
		return fmt.Errorf("cache/redis: set heartbeat: %w", err)
	}
	return nil
}

func (s *Store) GetHeartbeat(ctx context.Context, agentUID string) (bool, error) {
	key := cache.KeyHeartbeat + agentUID
	err := s.client.Get(ctx, key).Err()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache/redis: get heartbeat: %w", err)
	}
	return true, nil
}

func (s *Store) DeleteHeartbeat(ctx context.Context, agentUID string) error {
	key := cache.KeyHeartbeat + agentUID
	return s.client.Del(ctx, key).Err()
}
