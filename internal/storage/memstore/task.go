package memstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage"
)

func (s *Store) Enqueue(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Payload == nil {
		t.Payload = json.RawMessage(`{}`)
	}
	if t.Status == "" {
		t.Status = model.TaskQueued
	}
	s.nextTaskID++
	t.ID = s.nextTaskID
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task not found")
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListBy(ctx context.Context, f storage.TaskFilter) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*model.Task
	for _, t := range s.tasks {
		if !f.AllProjects && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sortTasksByCreatedDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSubtasks(ctx context.Context, groupID string) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.GroupID != nil && *t.GroupID == groupID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasksByID(out)
	return out, nil
}

func (s *Store) ListStaleQueued(ctx context.Context, threshold time.Duration) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskQueued && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTasksByCreatedAsc(out)
	if len(out) > 500 {
		out = out[:500]
	}
	return out, nil
}

// RequestBatch reproduces the Postgres FOR UPDATE SKIP LOCKED semantics with
// the store's single mutex: since every read and the subsequent status flip
// happen while the lock is held, no other caller can observe (let alone
// claim) the same task id.
func (s *Store) RequestBatch(ctx context.Context, projectID int64, agentID int64, max int, allowedTypes []string, lowRiskOnly bool) ([]*model.Task, error) {
	if max <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}

	var candidates []*model.Task
	for _, t := range s.tasks {
		if t.ProjectID != projectID || t.Status != model.TaskQueued {
			continue
		}
		if len(allowed) > 0 && !allowed[t.TaskType] {
			continue
		}
		if lowRiskOnly {
			tt, ok := s.taskTypes[projectID][t.TaskType]
			if !ok || !tt.LowRisk {
				continue
			}
		}
		candidates = append(candidates, t)
	}
	sortTasksByPriorityThenCreated(candidates)
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	now := time.Now()
	out := make([]*model.Task, 0, len(candidates))
	for _, t := range candidates {
		t.Status = model.TaskRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		aid := agentID
		t.AssignedAgent = &aid
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) Submit(ctx context.Context, taskID int64, agentID int64, status model.ResultStatus, result model.SandboxResult) (*model.Task, *model.TaskResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil, false, apperr.NotFound("task not found")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, nil, false, apperr.Wrap("marshal_result", err)
	}

	s.nextResultID++
	tr := &model.TaskResult{
		ID:        s.nextResultID,
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    status,
		Result:    resultJSON,
		CreatedAt: time.Now(),
	}
	s.results[taskID] = append(s.results[taskID], tr)

	drove := false
	if t.Status == model.TaskRunning {
		var newStatus model.TaskStatus
		switch status {
		case model.ResultOK:
			newStatus = model.TaskDone
		case model.ResultError:
			newStatus = model.TaskNeedsRecheck
		case model.ResultMismatch:
			newStatus = model.TaskSuspicious
		default:
			newStatus = model.TaskNeedsRecheck
		}
		now := time.Now()
		t.Status = newStatus
		t.CompletedAt = &now
		t.UpdatedAt = now
		drove = true
	}

	tCopy := *t
	trCopy := *tr
	return &tCopy, &trCopy, drove, nil
}

func (s *Store) ListResults(ctx context.Context, taskID int64) ([]*model.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskResult
	for _, tr := range s.results[taskID] {
		cp := *tr
		out = append(out, &cp)
	}
	sortResultsByCreated(out)
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return apperr.NotFound("task not found")
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) StopProjectTasks(ctx context.Context, projectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, t := range s.tasks {
		if t.ProjectID == projectID && !t.Status.Terminal() {
			t.Status = model.TaskStopped
			t.UpdatedAt = now
			t.CompletedAt = &now
		}
	}
	return nil
}

func (s *Store) IncrementRecheck(ctx context.Context, taskID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, apperr.NotFound("task not found")
	}
	t.RecheckCount++
	t.UpdatedAt = time.Now()
	return t.RecheckCount, nil
}

func (s *Store) RequeueTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return apperr.NotFound("task not found")
	}
	t.Status = model.TaskQueued
	t.StartedAt = nil
	t.CompletedAt = nil
	t.AssignedAgent = nil
	t.UpdatedAt = time.Now()
	return nil
}

func sortTasksByCreatedDesc(ts []*model.Task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].CreatedAt.After(ts[j-1].CreatedAt); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func sortTasksByCreatedAsc(ts []*model.Task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].CreatedAt.Before(ts[j-1].CreatedAt); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func sortTasksByID(ts []*model.Task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].ID < ts[j-1].ID; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func sortTasksByPriorityThenCreated(ts []*model.Task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0; j-- {
			a, b := ts[j], ts[j-1]
			less := a.Priority > b.Priority || (a.Priority == b.Priority && a.CreatedAt.Before(b.CreatedAt))
			if !less {
				break
			}
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func sortResultsByCreated(rs []*model.TaskResult) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].CreatedAt.Before(rs[j-1].CreatedAt); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
