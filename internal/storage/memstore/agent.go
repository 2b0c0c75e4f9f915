package memstore

import (
	"context"
	"time"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
)

func (s *Store) RegisterAgent(ctx context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if id, ok := s.agentByUID[a.AgentUID]; ok {
		existing := s.agents[id]
		if a.DisplayName != "" {
			existing.DisplayName = a.DisplayName
		}
		existing.DeviceID = a.DeviceID
		existing.Hardware = a.Hardware
		existing.LastSeen = now
		existing.UpdatedAt = now
		*a = *existing
		return nil
	}

	s.nextAgentID++
	a.ID = s.nextAgentID
	a.CreatedAt = now
	a.UpdatedAt = now
	a.LastSeen = now
	cp := *a
	s.agents[a.ID] = &cp
	s.agentByUID[a.AgentUID] = a.ID
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperr.NotFound("agent not found")
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAgentByUID(ctx context.Context, uid string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.agentByUID[uid]
	if !ok {
		return nil, apperr.NotFound("agent not found")
	}
	cp := *s.agents[id]
	return &cp, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sortAgentsByID(out)
	return out, nil
}

func (s *Store) RecordMetrics(ctx context.Context, agentID int64, m model.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.NotFound("agent not found")
	}
	mc := m
	a.LastMetrics = &mc
	a.LastSeen = time.Now()
	a.UpdatedAt = a.LastSeen
	return nil
}

func (s *Store) Touch(ctx context.Context, agentID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.NotFound("agent not found")
	}
	a.LastSeen = at
	return nil
}

func (s *Store) SetLimits(ctx context.Context, agentID int64, limits model.ResourceLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.NotFound("agent not found")
	}
	a.Limits = limits
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Block(ctx context.Context, agentID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.NotFound("agent not found")
	}
	a.Blocked = true
	a.BlockedReason = reason
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Unblock(ctx context.Context, agentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return apperr.NotFound("agent not found")
	}
	a.Blocked = false
	a.BlockedReason = ""
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetPreference(ctx context.Context, p *model.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now()
	cp := *p
	s.prefs[prefKey(p.AgentID, p.ProjectID)] = &cp
	return nil
}

func (s *Store) GetPreference(ctx context.Context, agentID, projectID int64) (*model.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[prefKey(agentID, projectID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetReputation(ctx context.Context, deviceID string) (*model.Reputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reputation[deviceID]
	if !ok {
		return &model.Reputation{DeviceID: deviceID}, nil
	}
	cp := *r
	return &cp, nil
}

// AdjustReputation mirrors the Postgres implementation's atomicity by doing
// the read, add, and threshold check while holding the store's single lock.
func (s *Store) AdjustReputation(ctx context.Context, deviceID string, delta int64) (*model.Reputation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reputation[deviceID]
	if !ok {
		r = &model.Reputation{DeviceID: deviceID}
		s.reputation[deviceID] = r
	}
	r.Score += delta
	r.LowReputation = r.Score <= model.LowReputationThreshold
	r.UpdatedAt = time.Now()

	crossed := r.LowReputation && (r.Score-delta) > model.LowReputationThreshold
	cp := *r
	return &cp, crossed, nil
}

func sortAgentsByID(as []*model.Agent) {
	for i := 1; i < len(as); i++ {
		for j := i; j > 0 && as[j].ID < as[j-1].ID; j-- {
			as[j], as[j-1] = as[j-1], as[j]
		}
	}
}
