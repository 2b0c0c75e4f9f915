// Package cache abstracts the fast, TTL-bearing state that does not belong
// in PostgreSQL: agent heartbeat freshness and cross-replica refresh
// signaling for the Live Summary Broadcaster. Currently backed by Redis.
package cache

import "context"

// HeartbeatCache tracks agent liveness with an expiring key so a crashed
// or partitioned scheduler replica doesn't need to fall back to a full
// table scan of agents to notice staleness; Postgres last_seen remains the
// source of truth an operator can audit.
type HeartbeatCache interface {
	SetHeartbeat(ctx context.Context, agentUID string) error
	GetHeartbeat(ctx context.Context, agentUID string) (bool, error)
	DeleteHeartbeat(ctx context.Context, agentUID string) error
}

// SummarySignal lets any scheduler replica push an immediate
// snapshot-refresh hint to every other replica's Live Summary Broadcaster,
// so a state change is reflected sooner than the default coalescing tick.
type SummarySignal interface {
	PublishRefresh(ctx context.Context) error
	SubscribeRefresh(ctx context.Context) (<-chan struct{}, error)
}

// Cache is the full fast-state surface used by the scheduler process.
type Cache interface {
	HeartbeatCache
	SummarySignal
	Close() error
}
