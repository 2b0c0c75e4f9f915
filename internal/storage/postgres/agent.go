package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
)

func (s *Store) RegisterAgent(ctx context.Context, a *model.Agent) error {
	hw, err := json.Marshal(a.Hardware)
	if err != nil {
		return apperr.Wrap("marshal_hardware", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO agents (agent_uid, display_name, device_id, hardware, last_seen)
		VALUES ($1,$2,$3,$4, now())
		ON CONFLICT (agent_uid) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name != '' THEN EXCLUDED.display_name ELSE agents.display_name END,
			hardware = EXCLUDED.hardware,
			last_seen = now(),
			blocked = agents.blocked,
			updated_at = now()
		RETURNING id, created_at, updated_at, blocked, blocked_reason, cpu_percent, gpu_percent, ram_percent
	`, a.AgentUID, a.DisplayName, a.DeviceID, hw).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.Blocked, &a.BlockedReason, &a.Limits.CPUPercent, &a.Limits.GPUPercent, &a.Limits.RAMPercent)
	if err != nil {
		return apperr.Wrap("db_register_agent", err)
	}
	a.LastSeen = time.Now()
	return nil
}

const agentSelectColumns = `SELECT id, agent_uid, display_name, device_id, blocked, blocked_reason, cpu_percent, gpu_percent, ram_percent, hardware, last_metrics, last_seen, created_at, updated_at`

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var hw, lm []byte
	if err := row.Scan(&a.ID, &a.AgentUID, &a.DisplayName, &a.DeviceID, &a.Blocked, &a.BlockedReason,
		&a.Limits.CPUPercent, &a.Limits.GPUPercent, &a.Limits.RAMPercent, &hw, &lm, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(hw) > 0 {
		_ = json.Unmarshal(hw, &a.Hardware)
	}
	if len(lm) > 0 && string(lm) != "{}" {
		var m model.Metrics
		if err := json.Unmarshal(lm, &m); err == nil {
			a.LastMetrics = &m
		}
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	row := s.pool.QueryRow(ctx, agentSelectColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("agent not found")
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_agent", err)
	}
	return a, nil
}

func (s *Store) GetAgentByUID(ctx context.Context, uid string) (*model.Agent, error) {
	row := s.pool.QueryRow(ctx, agentSelectColumns+` FROM agents WHERE agent_uid = $1`, uid)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("agent not found")
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_agent_by_uid", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.pool.Query(ctx, agentSelectColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, apperr.Wrap("db_list_agents", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apperr.Wrap("db_scan_agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordMetrics overwrites the agent's rolling sample with m. Only the
// latest sample is retained (spec.md:91's "recent metrics" requirement is
// satisfied by last_seen freshness plus this one row, not a full history
// table); GET /v1/agents reads it straight back via last_metrics.
func (s *Store) RecordMetrics(ctx context.Context, agentID int64, m model.Metrics) error {
	body, err := json.Marshal(m)
	if err != nil {
		return apperr.Wrap("marshal_metrics", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE agents SET last_metrics = $1, last_seen = now(), updated_at = now() WHERE id = $2`, body, agentID)
	if err != nil {
		return apperr.Wrap("db_record_metrics", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, agentID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE agents SET last_seen = $1 WHERE id = $2`, at, agentID)
	if err != nil {
		return apperr.Wrap("db_touch_agent", err)
	}
	return nil
}

func (s *Store) SetLimits(ctx context.Context, agentID int64, limits model.ResourceLimits) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET cpu_percent = $1, gpu_percent = $2, ram_percent = $3, updated_at = now() WHERE id = $4
	`, limits.CPUPercent, limits.GPUPercent, limits.RAMPercent, agentID)
	if err != nil {
		return apperr.Wrap("db_set_limits", err)
	}
	return nil
}

func (s *Store) Block(ctx context.Context, agentID int64, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE agents SET blocked = TRUE, blocked_reason = $1, updated_at = now() WHERE id = $2`, reason, agentID)
	if err != nil {
		return apperr.Wrap("db_block_agent", err)
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, agentID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE agents SET blocked = FALSE, blocked_reason = '', updated_at = now() WHERE id = $1`, agentID)
	if err != nil {
		return apperr.Wrap("db_unblock_agent", err)
	}
	return nil
}

func (s *Store) SetPreference(ctx context.Context, p *model.Preference) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_preferences (agent_id, project_id, allowed_task_types) VALUES ($1,$2,$3)
		ON CONFLICT (agent_id, project_id) DO UPDATE SET allowed_task_types = EXCLUDED.allowed_task_types, updated_at = now()
	`, p.AgentID, p.ProjectID, p.AllowedTaskTypes)
	if err != nil {
		return apperr.Wrap("db_set_preference", err)
	}
	return nil
}

func (s *Store) GetPreference(ctx context.Context, agentID, projectID int64) (*model.Preference, error) {
	var p model.Preference
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, project_id, allowed_task_types, updated_at FROM agent_preferences WHERE agent_id = $1 AND project_id = $2
	`, agentID, projectID).Scan(&p.AgentID, &p.ProjectID, &p.AllowedTaskTypes, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_preference", err)
	}
	return &p, nil
}

func (s *Store) GetReputation(ctx context.Context, deviceID string) (*model.Reputation, error) {
	var r model.Reputation
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, score, low_reputation, updated_at FROM device_reputation WHERE device_id = $1
	`, deviceID).Scan(&r.DeviceID, &r.Score, &r.LowReputation, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return &model.Reputation{DeviceID: deviceID}, nil
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_reputation", err)
	}
	return &r, nil
}

// AdjustReputation is the single atomic add-and-check operation behind the
// "exactly once per downward crossing" invariant of spec.md §8: the UPDATE
// (or INSERT ... ON CONFLICT) computes the new score and new low_reputation
// flag in the same statement, so no other writer can interleave between
// reading the old score and writing the new one.
func (s *Store) AdjustReputation(ctx context.Context, deviceID string, delta int64) (*model.Reputation, bool, error) {
	var r model.Reputation
	err := s.pool.QueryRow(ctx, `
		INSERT INTO device_reputation (device_id, score, low_reputation)
		VALUES ($1, $2, $2 <= $3)
		ON CONFLICT (device_id) DO UPDATE SET
			score = device_reputation.score + $2,
			low_reputation = (device_reputation.score + $2) <= $3,
			updated_at = now()
		RETURNING device_id, score, low_reputation, updated_at
	`, deviceID, delta, model.LowReputationThreshold).Scan(&r.DeviceID, &r.Score, &r.LowReputation, &r.UpdatedAt)
	if err != nil {
		return nil, false, apperr.Wrap("db_adjust_reputation", err)
	}
	// A downward crossing happened iff the row is now low and its
	// pre-update score (score - delta) was above the threshold: the
	// UPDATE...RETURNING is atomic so no concurrent writer can interleave
	// between reading the old score and computing this.
	crossed := r.LowReputation && (r.Score-delta) > model.LowReputationThreshold
	return &r, crossed, nil
}
