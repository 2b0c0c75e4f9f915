package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued       TaskStatus = "queued"
	TaskRunning      TaskStatus = "running"
	TaskDone         TaskStatus = "done"
	TaskFailed       TaskStatus = "failed"
	TaskNeedsRecheck TaskStatus = "needs_recheck"
	TaskSuspicious   TaskStatus = "suspicious"
	TaskStopped      TaskStatus = "stopped"
)

// Terminal reports whether the status leaves the task no longer eligible
// for assignment.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskStopped:
		return true
	default:
		return false
	}
}

// Task is one unit of work belonging to exactly one project.
type Task struct {
	ID            int64           `json:"id" db:"id"`
	ProjectID     int64           `json:"project_id" db:"project_id"`
	TaskType      string          `json:"task_type" db:"task_type"`
	Status        TaskStatus      `json:"status" db:"status"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	GroupID       *string         `json:"group_id,omitempty" db:"group_id"`
	ParentTaskID  *int64          `json:"parent_task_id,omitempty" db:"parent_task_id"`
	Priority      int             `json:"priority" db:"priority"`
	AssignedAgent *int64          `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	RecheckCount  int             `json:"recheck_count" db:"recheck_count"`
}

// Valid checks the timestamp ordering invariant: started_at <= completed_at
// whenever both are set, and non-terminal tasks never carry completed_at.
func (t *Task) Valid() bool {
	if !t.Status.Terminal() && t.CompletedAt != nil {
		return false
	}
	if t.Status == TaskRunning && t.StartedAt == nil {
		return false
	}
	if t.StartedAt != nil && t.CompletedAt != nil && t.StartedAt.After(*t.CompletedAt) {
		return false
	}
	return true
}

// ResultStatus is the outcome an agent (or the Verifier) reports for one
// execution attempt of a Task.
type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultError    ResultStatus = "error"
	ResultMismatch ResultStatus = "mismatch"
)

// TaskResult is one submitted (or server-generated) execution outcome for a
// Task. Multiple results per task are expected: the original submission
// plus any rechecks.
type TaskResult struct {
	ID        int64           `json:"id" db:"id"`
	TaskID    int64           `json:"task_id" db:"task_id"`
	AgentID   int64           `json:"agent_id" db:"agent_id"`
	Status    ResultStatus    `json:"status" db:"status"`
	Result    json.RawMessage `json:"result" db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// SandboxResult is the structured payload nested inside a TaskResult and in
// the wire task-result envelope (spec §6).
type SandboxResult struct {
	ExitCode       int             `json:"exit_code"`
	DurationMS     int64           `json:"duration_ms"`
	StdoutSHA256   string          `json:"stdout_sha256"`
	StderrSHA256   string          `json:"stderr_sha256"`
	StdoutBytes    int64           `json:"stdout_bytes"`
	WorkspaceBytes int64           `json:"workspace_bytes"`
	Structured     json.RawMessage `json:"structured,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// TaskEnvelope is the wire format handed to an agent from
// POST /v1/tasks/request_batch.
type TaskEnvelope struct {
	TaskID           int64           `json:"task_id"`
	ProjectGUID      string          `json:"project_guid"`
	TaskType         string          `json:"task_type"`
	Payload          json.RawMessage `json:"payload"`
	ScriptObjectKey  string          `json:"script_object_key"`
	ScriptSHA256     string          `json:"script_sha256"`
	Limits           TaskLimits      `json:"limits"`
}

// TaskLimits are the resource caps attached to a dispatched envelope.
type TaskLimits struct {
	TimeoutMS      int64 `json:"timeout_ms"`
	OutputBytes    int64 `json:"output_bytes"`
	WorkspaceBytes int64 `json:"workspace_bytes"`
}

// TaskResultEnvelope is the wire format an agent posts to
// POST /v1/tasks/submit.
type TaskResultEnvelope struct {
	TaskID   int64         `json:"task_id"`
	AgentUID string        `json:"agent_uid"`
	Status   ResultStatus  `json:"status"`
	Result   SandboxResult `json:"result"`
}
