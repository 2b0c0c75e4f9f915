// Package storage defines the persistence abstraction used by every
// scheduler-side component. Callers depend on these interfaces only; the
// concrete implementation (postgres/, memstore/) is wired in at process
// start.
package storage

import (
	"context"
	"time"

	"github.com/voltask/voltask/internal/model"
)

// ProjectStore owns Projects and their Task Type catalog (C1).
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	GetProjectByGUID(ctx context.Context, guid string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	SetProjectStatus(ctx context.Context, id int64, status model.ProjectStatus) error
	DeleteProject(ctx context.Context, id int64) error

	UpsertTaskType(ctx context.Context, tt *model.TaskType) error
	GetTaskType(ctx context.Context, projectID int64, name string) (*model.TaskType, error)
	ListTaskTypes(ctx context.Context, projectID int64) ([]*model.TaskType, error)
}

// TaskFilter narrows ListTasks queries. AllProjects, when true, ignores
// ProjectID and matches tasks across every project — used by the Live
// Summary Broadcaster, which reports system-wide state rather than one
// project's view.
type TaskFilter struct {
	ProjectID   int64
	AllProjects bool
	Status      model.TaskStatus
	Limit       int
}

// TaskStore owns Tasks and Task Results, partitioned by project (C2).
type TaskStore interface {
	Enqueue(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListBy(ctx context.Context, f TaskFilter) ([]*model.Task, error)
	ListSubtasks(ctx context.Context, groupID string) ([]*model.Task, error)
	ListStaleQueued(ctx context.Context, threshold time.Duration) ([]*model.Task, error)

	// RequestBatch atomically transitions up to max queued tasks in
	// projectID whose task_type is in allowedTypes (nil = all types) from
	// queued to running, tie-broken oldest-created first. It guarantees
	// at-most-one caller ever receives a given task id.
	RequestBatch(ctx context.Context, projectID int64, agentID int64, max int, allowedTypes []string, lowRiskOnly bool) ([]*model.Task, error)

	// Submit records a TaskResult and applies the terminal-status
	// transition rules of spec §4.2. It is idempotent: submitting against
	// an already-terminal task still appends a TaskResult row but leaves
	// status untouched.
	Submit(ctx context.Context, taskID int64, agentID int64, status model.ResultStatus, result model.SandboxResult) (*model.Task, *model.TaskResult, bool, error)
	ListResults(ctx context.Context, taskID int64) ([]*model.TaskResult, error)

	SetStatus(ctx context.Context, id int64, status model.TaskStatus) error
	StopProjectTasks(ctx context.Context, projectID int64) error
	IncrementRecheck(ctx context.Context, taskID int64) (int, error)
	RequeueTask(ctx context.Context, id int64) error
}

// AgentStore owns Agents, Preferences, Metrics and Reputation (C3).
type AgentStore interface {
	RegisterAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
	GetAgentByUID(ctx context.Context, uid string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	RecordMetrics(ctx context.Context, agentID int64, m model.Metrics) error
	Touch(ctx context.Context, agentID int64, at time.Time) error
	SetLimits(ctx context.Context, agentID int64, limits model.ResourceLimits) error
	Block(ctx context.Context, agentID int64, reason string) error
	Unblock(ctx context.Context, agentID int64) error

	SetPreference(ctx context.Context, p *model.Preference) error
	GetPreference(ctx context.Context, agentID, projectID int64) (*model.Preference, error)

	GetReputation(ctx context.Context, deviceID string) (*model.Reputation, error)
	// AdjustReputation atomically adds delta and reports whether this call
	// caused the score to newly cross at-or-below the low-reputation
	// threshold (a downward crossing).
	AdjustReputation(ctx context.Context, deviceID string, delta int64) (*model.Reputation, bool, error)
}

// FlagStore is the append-only audit log, shared-readable across
// components.
type FlagStore interface {
	CreateFlag(ctx context.Context, f *model.Flag) error
	ListFlags(ctx context.Context, limit int) ([]*model.Flag, error)
}

// Store is the full persistence surface used by the scheduler process.
type Store interface {
	ProjectStore
	TaskStore
	AgentStore
	FlagStore
	Close() error
}
