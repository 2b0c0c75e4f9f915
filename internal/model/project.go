// Package model defines the core data model shared by every component of
// the scheduler, validator and agent runtime.
package model

import "time"

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectStopped   ProjectStatus = "stopped"
	ProjectCompleted ProjectStatus = "completed"
	ProjectDemo      ProjectStatus = "demo"
)

// Project is the top-level namespace owner: it owns a task namespace and an
// object-storage prefix, both derived from its GUID and stable for its
// lifetime.
type Project struct {
	ID            int64         `json:"id" db:"id"`
	GUID          string        `json:"guid" db:"guid"`
	Name          string        `json:"name" db:"name"`
	Description   string        `json:"description,omitempty" db:"description"`
	Status        ProjectStatus `json:"status" db:"status"`
	Owner         string        `json:"owner,omitempty" db:"owner"`
	IsDemo        bool          `json:"is_demo" db:"is_demo"`
	StoragePrefix string        `json:"storage_prefix" db:"storage_prefix"`
	TaskNamespace string        `json:"task_namespace" db:"task_namespace"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Candidate reports whether the project may currently receive assignments:
// the Assignment Engine only considers active or demo projects.
func (p *Project) Candidate() bool {
	return p.Status == ProjectActive || p.Status == ProjectDemo
}

// TaskType is a per-project record binding a type name to the script body
// that implements it in object storage.
type TaskType struct {
	ProjectID      int64     `json:"project_id" db:"project_id"`
	Name           string    `json:"name" db:"name"`
	ScriptKey      string    `json:"script_object_key" db:"script_object_key"`
	ScriptSHA256   string    `json:"script_sha256" db:"script_sha256"`
	Version        string    `json:"version,omitempty" db:"version"`
	LowRisk        bool      `json:"low_risk" db:"low_risk"`
	AggregatorKind string    `json:"aggregator_kind,omitempty" db:"aggregator_kind"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
