package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltask/voltask/internal/queue"
)

// PublishDispatch records a dispatch fan-out event. It does not gate
// assignment itself — that guarantee lives in the store's SELECT ... FOR
// UPDATE SKIP LOCKED — this is an observability/replay trail.
func (s *Store) PublishDispatch(ctx context.Context, projectID int64, taskID int64, agentUID string) (string, error) {
	args := &redis.XAddArgs{
		Stream: queue.KeyDispatchStream,
		MaxLen: queue.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"project_id":  projectID,
			"task_id":     taskID,
			"agent_uid":   agentUID,
			"assigned_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("queue/redis: publish dispatch: %w", err)
	}
	return id, nil
}

func (s *Store) CreateDispatchConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyDispatchStream, queue.DispatchConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("queue/redis: create dispatch group: %w", err)
	}
	return nil
}

func (s *Store) ConsumeDispatch(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.DispatchMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.DispatchConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyDispatchStream, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue/redis: consume dispatch: %w", err)
	}

	var out []*queue.DispatchMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := &queue.DispatchMessage{ID: msg.ID}
			if v, ok := msg.Values["project_id"].(string); ok {
				m.ProjectID, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := msg.Values["task_id"].(string); ok {
				m.TaskID, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := msg.Values["agent_uid"].(string); ok {
				m.AgentUID = v
			}
			if v, ok := msg.Values["assigned_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					m.AssignedAt = t
				}
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) AckDispatch(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyDispatchStream, queue.DispatchConsumerGroup, messageID).Err()
}

func (s *Store) DispatchQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyDispatchStream).Result()
}

func (s *Store) DispatchPendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, queue.KeyDispatchStream, queue.DispatchConsumerGroup).Result()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: dispatch pending: %w", err)
	}
	return pending.Count, nil
}
