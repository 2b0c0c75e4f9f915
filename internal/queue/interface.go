// Package queue abstracts task dispatch fan-out and recheck re-enqueue on
// top of a message stream, currently implemented with Redis Streams.
package queue

import (
	"context"
	"time"
)

// DispatchQueue records a dispatch event (project id, task id, agent uid)
// for every task handed to an agent; agents never read it. Assignment
// still goes through the store's SELECT ... FOR UPDATE SKIP LOCKED
// (RequestBatch); the stream exists so schedulers and any interested
// side-channel (metrics, audit) can observe dispatch events without
// polling the database.
type DispatchQueue interface {
	PublishDispatch(ctx context.Context, projectID int64, taskID int64, agentUID string) (string, error)
	CreateDispatchConsumerGroup(ctx context.Context) error
	ConsumeDispatch(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*DispatchMessage, error)
	AckDispatch(ctx context.Context, messageID string) error
	DispatchQueueLength(ctx context.Context) (int64, error)
	DispatchPendingCount(ctx context.Context) (int64, error)
}

// RecheckQueue carries the ids of needs_recheck/suspicious tasks the
// Verifier has already requeued in the store (bounded by the per-task
// recheck count); the scheduler consumes it to refresh the live summary.
type RecheckQueue interface {
	PublishRecheck(ctx context.Context, taskID int64, reason string) (string, error)
	CreateRecheckConsumerGroup(ctx context.Context) error
	ConsumeRecheck(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RecheckMessage, error)
	AckRecheck(ctx context.Context, messageID string) error
	RecheckQueueLength(ctx context.Context) (int64, error)
}

// Queue is the full stream surface used by the scheduler process.
type Queue interface {
	DispatchQueue
	RecheckQueue
	Close() error
}
