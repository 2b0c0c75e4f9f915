package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltask/voltask/internal/queue"
)

// PublishRecheck records that the Verifier has requeued a task it
// classified as needs_recheck or suspicious; the requeue itself happens in
// the store.
func (s *Store) PublishRecheck(ctx context.Context, taskID int64, reason string) (string, error) {
	args := &redis.XAddArgs{
		Stream: queue.KeyRecheckStream,
		MaxLen: queue.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"task_id":    taskID,
			"reason":     reason,
			"created_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("queue/redis: publish recheck: %w", err)
	}
	return id, nil
}

func (s *Store) CreateRecheckConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyRecheckStream, queue.RecheckConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("queue/redis: create recheck group: %w", err)
	}
	return nil
}

func (s *Store) ConsumeRecheck(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.RecheckMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.RecheckConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyRecheckStream, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue/redis: consume recheck: %w", err)
	}

	var out []*queue.RecheckMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := &queue.RecheckMessage{ID: msg.ID}
			if v, ok := msg.Values["task_id"].(string); ok {
				m.TaskID, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := msg.Values["reason"].(string); ok {
				m.Reason = v
			}
			if v, ok := msg.Values["created_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					m.CreatedAt = t
				}
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) AckRecheck(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyRecheckStream, queue.RecheckConsumerGroup, messageID).Err()
}

func (s *Store) RecheckQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyRecheckStream).Result()
}
