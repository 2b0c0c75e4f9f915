package queue

import "time"

// DispatchMessage is one fan-out record of a task handed to an agent.
type DispatchMessage struct {
	ID         string
	ProjectID  int64
	TaskID     int64
	AgentUID   string
	AssignedAt time.Time
}

// RecheckMessage is one re-enqueue record produced by the Verifier.
type RecheckMessage struct {
	ID        string
	TaskID    int64
	Reason    string
	CreatedAt time.Time
}

const (
	// KeyDispatchStream holds every dispatch fan-out event across all
	// projects; consumers filter by ProjectID/AgentUID as needed.
	KeyDispatchStream = "voltask:dispatch"

	// KeyRecheckStream carries recheck re-enqueue requests.
	KeyRecheckStream = "voltask:recheck"

	// DispatchConsumerGroup is the single consumer group scheduler
	// replicas share when trailing the dispatch stream.
	DispatchConsumerGroup = "schedulers"

	// RecheckConsumerGroup is the consumer group the scheduler's recheck
	// consumer reads from.
	RecheckConsumerGroup = "verifiers"

	// MaxStreamLength approximately caps stream growth; XADD trims with
	// approximate MAXLEN so trimming itself stays O(1).
	MaxStreamLength = 100000
)
