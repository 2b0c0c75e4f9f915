// Package assignment implements the Assignment Engine (spec §4.4): given an
// agent asking for work, it walks the agent's candidate projects, applies
// preferences and reputation gating, clears the proposal through the
// Policy Engine, and hands back Task envelopes with their script metadata
// attached.
//
// The shape is the teacher's own scheduling pattern — a chain of
// independently testable steps run in a fixed order, each one free to
// short-circuit the rest — adapted from a push model (pick a node for a
// run) to a pull model (an agent requests a batch and each candidate
// project either contributes tasks or is skipped).
package assignment

import (
	"context"
	"time"

	"github.com/voltask/voltask/internal/apiserver/policy"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/cache"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/queue"
	"github.com/voltask/voltask/internal/storage"
)

// Engine assigns queued tasks to requesting agents.
type Engine struct {
	store    storage.Store
	policy   *policy.Engine
	dispatch queue.DispatchQueue
	log      *logging.Logger

	// round-robin cursor over candidate project IDs, keyed by agent ID, so
	// repeated requests from the same agent don't starve later projects in
	// its candidate set.
	cursor *roundRobinCursor
}

func New(store storage.Store, pol *policy.Engine, dispatch queue.DispatchQueue, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.New(logging.Config{Component: "assignment"})
	}
	return &Engine{store: store, policy: pol, dispatch: dispatch, log: log, cursor: newRoundRobinCursor()}
}

// RequestBatch runs the full spec §4.4 algorithm for one agent asking for
// up to max tasks total across all of its candidate projects.
func (e *Engine) RequestBatch(ctx context.Context, agentUID string, max int) ([]model.TaskEnvelope, error) {
	if max <= 0 {
		max = 1
	}

	// Step 1: load agent; blocked or offline agents get nothing.
	agent, err := e.store.GetAgentByUID(ctx, agentUID)
	if err != nil {
		return nil, apperr.Wrap("load_agent", err)
	}
	if agent == nil {
		return nil, apperr.NotFound("agent %s is not registered", agentUID)
	}
	status := agent.DeriveStatus(time.Now(), cache.TTLHeartbeat)
	if status == model.AgentBlocked || status == model.AgentOffline {
		e.log.Debug("agent blocked or offline, no work", "agent_uid", agentUID, "status", status)
		return nil, nil
	}

	// Step 2: resolve candidate projects.
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return nil, apperr.Wrap("list_projects", err)
	}
	candidates := candidateProjects(projects)
	if len(candidates) == 0 {
		return nil, nil
	}
	candidates = e.cursor.rotate(agent.ID, candidates)

	// Reputation gating: at or below threshold, only low-risk task types.
	lowRiskOnly := false
	rep, err := e.store.GetReputation(ctx, agent.DeviceID)
	if err != nil {
		return nil, apperr.Wrap("load_reputation", err)
	}
	if rep != nil && rep.LowReputation {
		lowRiskOnly = true
	}

	envelopes := make([]model.TaskEnvelope, 0, max)
	remaining := max

	for _, project := range candidates {
		if remaining <= 0 {
			break
		}

		// Step 3: resolve preference, with the AI_OFF-strict exception:
		// under a strict AI_OFF policy an agent with no preference row for
		// this project is given nothing rather than "everything".
		pref, err := e.store.GetPreference(ctx, agent.ID, project.ID)
		if err != nil {
			return nil, apperr.Wrap("load_preference", err)
		}
		cfg := e.policy.Config()
		if pref == nil && cfg.AIMode == model.AIOff {
			continue
		}
		var allowedTypes []string
		if pref != nil {
			allowedTypes = pref.AllowedTaskTypes
		}

		// Step 4: select up to remaining queued tasks for this project.
		// Step 5: clear the request size through the Policy Engine.
		decision, err := e.policy.Evaluate(ctx, policy.Proposal{
			Kind:   policy.KindAssign,
			Origin: policy.OriginDeterministic,
			Parameters: map[string]interface{}{
				"max":        remaining,
				"project_id": project.ID,
				"agent_id":   agent.ID,
			},
		})
		if err != nil {
			return nil, apperr.Wrap("policy_evaluate", err)
		}
		if decision.Denied {
			e.log.Debug("assignment denied by policy", "project_id", project.ID, "reasons", decision.Reasons)
			continue
		}
		grant := remaining
		if decision.Limited {
			grant = intParam(decision.Parameters, "max", remaining)
		}
		if grant <= 0 {
			continue
		}

		// Step 6: transition selected tasks to running atomically.
		tasks, err := e.store.RequestBatch(ctx, project.ID, agent.ID, grant, allowedTypes, lowRiskOnly)
		if err != nil {
			return nil, apperr.Wrap("request_batch", err)
		}
		if len(tasks) == 0 {
			continue
		}

		// Step 7: attach script metadata per envelope.
		built, err := e.buildEnvelopes(ctx, project, tasks)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, built...)
		remaining -= len(built)

		if e.dispatch != nil {
			for _, env := range built {
				if _, err := e.dispatch.PublishDispatch(ctx, project.ID, env.TaskID, agentUID); err != nil {
					e.log.Warn("publish dispatch failed", "task_id", env.TaskID, "err", err)
				}
			}
		}
	}

	return envelopes, nil
}

// buildEnvelopes attaches script_object_key and script_sha256 from the
// project's Task Type catalog. A task whose type cannot be looked up, or
// has no script key or hash registered, is left out of the returned
// envelopes: it's requeued and flagged hash_mismatch rather than shipped
// without a way to verify it.
func (e *Engine) buildEnvelopes(ctx context.Context, project *model.Project, tasks []*model.Task) ([]model.TaskEnvelope, error) {
	typeCache := map[string]*model.TaskType{}
	out := make([]model.TaskEnvelope, 0, len(tasks))

	for _, t := range tasks {
		tt, ok := typeCache[t.TaskType]
		if !ok {
			var err error
			tt, err = e.store.GetTaskType(ctx, project.ID, t.TaskType)
			if err != nil {
				e.flagAndRequeue(ctx, t, "task type lookup failed: "+err.Error())
				continue
			}
			typeCache[t.TaskType] = tt
		}

		if tt == nil || tt.ScriptKey == "" || tt.ScriptSHA256 == "" {
			e.flagAndRequeue(ctx, t, "missing script metadata")
			continue
		}

		out = append(out, model.TaskEnvelope{
			TaskID:          t.ID,
			ProjectGUID:     project.GUID,
			TaskType:        t.TaskType,
			Payload:         t.Payload,
			ScriptObjectKey: objstore.ScriptKey(project.StoragePrefix, tt.ScriptKey),
			ScriptSHA256:    tt.ScriptSHA256,
			Limits:          model.TaskLimits{TimeoutMS: 120000, OutputBytes: 1 << 20, WorkspaceBytes: 64 << 20},
		})
	}
	return out, nil
}

func (e *Engine) flagAndRequeue(ctx context.Context, t *model.Task, detail string) {
	e.log.Warn("skipping task with unresolvable script metadata", "task_id", t.ID, "detail", detail)
	if err := e.store.RequeueTask(ctx, t.ID); err != nil {
		e.log.Error("requeue failed after hash_mismatch skip", "task_id", t.ID, "err", err)
	}
	f := &model.Flag{TaskID: &t.ID, Reason: model.FlagHashMismatch}
	if err := e.store.CreateFlag(ctx, f); err != nil {
		e.log.Error("flag write failed", "task_id", t.ID, "err", err)
	}
}

func candidateProjects(all []*model.Project) []*model.Project {
	out := make([]*model.Project, 0, len(all))
	for _, p := range all {
		if p.Candidate() {
			out = append(out, p)
		}
	}
	return out
}

func intParam(m map[string]interface{}, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
