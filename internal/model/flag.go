package model

import (
	"encoding/json"
	"time"
)

// Flag is an append-only audit entry. Reasons are free-form but the
// well-known ones are named as constants below.
type Flag struct {
	ID        int64           `json:"id" db:"id"`
	UserID    *string         `json:"user_id,omitempty" db:"user_id"`
	DeviceID  *string         `json:"device_id,omitempty" db:"device_id"`
	TaskID    *int64          `json:"task_id,omitempty" db:"task_id"`
	Reason    string          `json:"reason" db:"reason"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

const (
	FlagSuspiciousResult = "suspicious_result"
	FlagLowReputation    = "low_reputation"
	FlagMismatch         = "mismatch"
	FlagSandboxError     = "sandbox_error"
	FlagHashMismatch     = "hash_mismatch"
	FlagPolicyDecision   = "policy_decision"
)

// AIMode is the process-wide automation-aggressiveness setting.
type AIMode string

const (
	AIOff       AIMode = "AI_OFF"
	AIAdvisory  AIMode = "AI_ADVISORY"
	AIAssisted  AIMode = "AI_ASSISTED"
	AIFull      AIMode = "AI_FULL"
)

// ParseAIMode validates a raw configuration value, defaulting to AI_OFF.
func ParseAIMode(s string) AIMode {
	switch AIMode(s) {
	case AIOff, AIAdvisory, AIAssisted, AIFull:
		return AIMode(s)
	default:
		return AIOff
	}
}
