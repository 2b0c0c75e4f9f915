package redis

import (
	"context"
	"fmt"

	"github.com/voltask/voltask/internal/cache"
)

func (s *Store) PublishRefresh(ctx context.Context) error {
	if err := s.client.Publish(ctx, cache.ChannelSummaryRefresh, "1").Err(); err != nil {
		return fmt.Errorf("cache/redis: publish refresh: %w", err)
	}
	return nil
}

// SubscribeRefresh returns a channel that receives one value per refresh
// signal seen on the shared pub/sub channel. The subscription is closed
// when ctx is done.
func (s *Store) SubscribeRefresh(ctx context.Context) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, cache.ChannelSummaryRefresh)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("cache/redis: subscribe refresh: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
					// a refresh is already pending; the broadcaster only
					// cares that one happened, not how many.
				}
			}
		}
	}()
	return out, nil
}
