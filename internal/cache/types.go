package cache

import "time"

const (
	// KeyHeartbeat prefixes an agent's TTL-bearing liveness key.
	KeyHeartbeat = "voltask:heartbeat:"

	// TTLHeartbeat expires a heartbeat key if the agent misses three
	// heartbeat intervals in a row (default heartbeat interval is 30s per
	// spec §6, so 3 × 30s; this is a conservative default overridden by
	// whatever interval the config actually specifies).
	TTLHeartbeat = 90 * time.Second

	// ChannelSummaryRefresh is the pub/sub channel scheduler replicas use
	// to signal an out-of-band Live Summary snapshot refresh.
	ChannelSummaryRefresh = "voltask:summary:refresh"
)
