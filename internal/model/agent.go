package model

import "time"

// AgentStatus is the derived liveness state of an Agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentIdle    AgentStatus = "idle"
	AgentOffline AgentStatus = "offline"
	AgentBlocked AgentStatus = "blocked"
)

// Hardware is the opaque hardware-inventory blob an agent reports at
// registration (CPU model, core count, RAM, GPU, OS).
type Hardware map[string]interface{}

// Metrics is one rolling sample of an agent's live resource usage.
type Metrics struct {
	CPULoad       float64   `json:"cpu_load"`
	RAMUsedMB     float64   `json:"ram_used_mb"`
	GPULoad       *float64  `json:"gpu_load,omitempty"`
	NetSentBytes  int64     `json:"net_sent_bytes"`
	NetRecvBytes  int64     `json:"net_recv_bytes"`
	DiskReadBytes int64     `json:"disk_read_bytes"`
	DiskWriteBytes int64    `json:"disk_write_bytes"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ResourceLimits are the per-resource share caps an operator can impose on
// an agent, each in [0,100].
type ResourceLimits struct {
	CPUPercent float64 `json:"cpu_percent" db:"cpu_percent"`
	GPUPercent float64 `json:"gpu_percent" db:"gpu_percent"`
	RAMPercent float64 `json:"ram_percent" db:"ram_percent"`
}

// Agent is a remote volunteer executor.
type Agent struct {
	ID            int64          `json:"id" db:"id"`
	AgentUID      string         `json:"agent_uid" db:"agent_uid"`
	DisplayName   string         `json:"display_name,omitempty" db:"display_name"`
	DeviceID      string         `json:"device_id" db:"device_id"`
	Blocked       bool           `json:"blocked" db:"blocked"`
	BlockedReason string         `json:"blocked_reason,omitempty" db:"blocked_reason"`
	Limits        ResourceLimits `json:"limits" db:"limits"`
	Hardware      Hardware       `json:"hardware,omitempty" db:"hardware"`
	LastSeen      time.Time      `json:"last_seen" db:"last_seen"`
	LastMetrics   *Metrics       `json:"last_metrics,omitempty" db:"-"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// DeriveStatus computes the agent's status per spec §4.3: blocked flag wins,
// otherwise a function of last_seen freshness against heartbeat interval H.
func (a *Agent) DeriveStatus(now time.Time, h time.Duration) AgentStatus {
	if a.Blocked {
		return AgentBlocked
	}
	age := now.Sub(a.LastSeen)
	switch {
	case age <= h:
		return AgentOnline
	case age <= 3*h:
		return AgentIdle
	default:
		return AgentOffline
	}
}

// Preference is a per-(agent,project) hard filter on eligible task types.
type Preference struct {
	AgentID          int64     `json:"agent_id" db:"agent_id"`
	ProjectID        int64     `json:"project_id" db:"project_id"`
	AllowedTaskTypes []string  `json:"allowed_task_types" db:"allowed_task_types"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Allows reports whether taskType is permitted by this preference row.
// A nil preference (no row) defaults to "all task types allowed" — the
// caller is responsible for applying the AI_OFF strict-mode exception from
// spec §4.4 step 3.
func (p *Preference) Allows(taskType string) bool {
	if p == nil {
		return true
	}
	for _, t := range p.AllowedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Reputation is the signed per-device score gating low-risk work.
type Reputation struct {
	DeviceID      string    `json:"device_id" db:"device_id"`
	Score         int64     `json:"score" db:"score"`
	LowReputation bool      `json:"low_reputation" db:"low_reputation"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// LowReputationThreshold is the score at or below which a device is
// considered low-reputation (spec §3).
const LowReputationThreshold = -10

// ReputationDelta returns the score adjustment for a classified outcome.
func ReputationDelta(status ResultStatus, classification string) int64 {
	switch classification {
	case "ok":
		return 1
	case "needs_recheck":
		return -1
	case "suspicious", "mismatch":
		return -5
	default:
		return 0
	}
}
