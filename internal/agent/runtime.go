// Package agent implements the volunteer-side runtime: the process a
// contributor runs on their own machine. It gates every outbound call
// behind local EULA acceptance, heartbeats on its own cadence, pulls
// bounded batches of work, and executes each task through the shared
// sandbox package before reporting the outcome back.
//
// The loop shape — a heartbeat goroutine and a poll-and-execute goroutine,
// both cancelled by one context — follows the teacher's own agent-process
// runtime; what changed is what's inside the task loop: no containers, no
// Docker client, just the cooperative sandbox.Runner running one script at
// a time per local queue slot.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/voltask/voltask/internal/agent/state"
	"github.com/voltask/voltask/internal/config"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/sandbox"
)

// Runtime is one running agent process.
type Runtime struct {
	cfg     *config.AgentConfig
	client  *schedulerClient
	objects *objstore.Client
	sandbox *sandbox.Runner
	state   *state.Store
	log     *logging.Logger

	sem chan struct{} // bounds concurrent executions to cfg.LocalQueueDepth
}

// New wires an agent Runtime from its configuration and a shared object
// storage client (agents need read access to script bodies, spec §2's
// domain-stack table lists this under C5).
func New(cfg *config.AgentConfig, objects *objstore.Client, log *logging.Logger) (*Runtime, error) {
	if log == nil {
		log = logging.New(logging.Config{Component: "agent"})
	}
	st, err := state.Open(cfg.LocalStatePath)
	if err != nil {
		return nil, fmt.Errorf("agent: open local state: %w", err)
	}

	depth := cfg.LocalQueueDepth
	if depth <= 0 {
		depth = 4
	}

	return &Runtime{
		cfg:     cfg,
		client:  newSchedulerClient(cfg.SchedulerURL),
		objects: objects,
		sandbox: sandbox.New(log.With("subcomponent", "sandbox")),
		state:   st,
		log:     log,
		sem:     make(chan struct{}, depth),
	}, nil
}

func (rt *Runtime) Close() error { return rt.state.Close() }

// AcceptEULA persists local acceptance of the end-user agreement. It is a
// separate operator action (e.g. `voltask-agent accept-eula`) from Run,
// since Run refuses to do anything at all until this has happened once.
func (rt *Runtime) AcceptEULA(ctx context.Context) error {
	return rt.state.AcceptEULA(ctx)
}

// Run blocks until ctx is cancelled, driving the heartbeat and
// poll-and-execute loops concurrently. If the EULA has not been accepted
// on this device, Run returns immediately without touching the network.
func (rt *Runtime) Run(ctx context.Context) error {
	accepted, err := rt.state.EULAAccepted(ctx)
	if err != nil {
		return fmt.Errorf("agent: check eula: %w", err)
	}
	if !accepted {
		return fmt.Errorf("agent: EULA not accepted on this device; run the accept-eula command first")
	}

	agentUID := rt.cfg.AgentUID
	if agentUID == "" {
		agentUID = defaultAgentUID()
	}

	if err := rt.register(ctx, agentUID); err != nil {
		return fmt.Errorf("agent: initial registration failed: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rt.heartbeatLoop(ctx, agentUID)
	}()
	go func() {
		defer wg.Done()
		rt.taskLoop(ctx, agentUID)
	}()
	wg.Wait()
	return nil
}

func (rt *Runtime) register(ctx context.Context, agentUID string) error {
	hw := model.Hardware{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}
	return rt.client.Register(ctx, agentUID, deviceIDFor(agentUID), hw)
}

func (rt *Runtime) heartbeatLoop(ctx context.Context, agentUID string) {
	interval := time.Duration(rt.cfg.HeartbeatSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := sampleMetrics()
			if err := rt.client.Metrics(ctx, agentUID, m); err != nil {
				rt.log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

func (rt *Runtime) taskLoop(ctx context.Context, agentUID string) {
	interval := time.Duration(rt.cfg.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.pollAndExecute(ctx, agentUID)
		}
	}
}

// pollAndExecute requests only as many tasks as there is room for in the
// bounded local queue, then runs each concurrently up to that same bound
// (spec §5: agent processes execute serially per slot, bounded local queue
// N≈4).
func (rt *Runtime) pollAndExecute(ctx context.Context, agentUID string) {
	depth, err := rt.state.QueueDepth(ctx)
	if err != nil {
		rt.log.Error("queue depth check failed", "err", err)
		return
	}
	room := cap(rt.sem) - depth
	if room <= 0 {
		return
	}

	envelopes, err := rt.client.RequestBatch(ctx, agentUID, room)
	if err != nil {
		rt.log.Warn("request_batch failed", "err", err)
		return
	}

	for _, env := range envelopes {
		env := env
		if err := rt.state.TrackTask(ctx, env.TaskID); err != nil {
			rt.log.Error("track task failed", "task_id", env.TaskID, "err", err)
			continue
		}
		rt.sem <- struct{}{}
		go func() {
			defer func() { <-rt.sem }()
			rt.executeOne(ctx, agentUID, env)
		}()
	}
}

func (rt *Runtime) executeOne(ctx context.Context, agentUID string, env model.TaskEnvelope) {
	taskCtx := logging.ContextWith(ctx, logging.TaskIDKey, env.TaskID)
	log := rt.log.WithContext(taskCtx)

	defer func() {
		if err := rt.state.Untrack(ctx, env.TaskID); err != nil {
			log.Error("untrack task failed", "err", err)
		}
	}()
	if err := rt.state.MarkRunning(ctx, env.TaskID); err != nil {
		log.Error("mark running failed", "err", err)
	}

	body, err := rt.objects.DownloadVerified(taskCtx, env.ScriptObjectKey, env.ScriptSHA256)
	if err != nil {
		log.Error("script download/verify failed", "err", err)
		rt.submitError(taskCtx, agentUID, env.TaskID, "hash_mismatch")
		return
	}

	workspace, err := os.MkdirTemp(rt.workspaceRoot(), "task-")
	if err != nil {
		log.Error("workspace create failed", "err", err)
		rt.submitError(taskCtx, agentUID, env.TaskID, "workspace_error")
		return
	}
	defer os.RemoveAll(workspace)

	result := rt.sandbox.Run(taskCtx, sandbox.Request{
		TaskID:       env.TaskID,
		ScriptBody:   body,
		ScriptSHA256: env.ScriptSHA256,
		Payload:      env.Payload,
		WorkspaceDir: workspace,
		Limits: sandbox.Limits{
			Timeout:        time.Duration(env.Limits.TimeoutMS) * time.Millisecond,
			OutputBytes:    env.Limits.OutputBytes,
			WorkspaceBytes: env.Limits.WorkspaceBytes,
		},
	})

	status := model.ResultOK
	if result.ExitCode != 0 || result.Reason != "" {
		status = model.ResultError
	}

	if err := rt.client.Submit(taskCtx, model.TaskResultEnvelope{
		TaskID:   env.TaskID,
		AgentUID: agentUID,
		Status:   status,
		Result:   result,
	}); err != nil {
		log.Error("submit failed", "err", err)
	}
}

func (rt *Runtime) submitError(ctx context.Context, agentUID string, taskID int64, reason string) {
	_ = rt.client.Submit(ctx, model.TaskResultEnvelope{
		TaskID:   taskID,
		AgentUID: agentUID,
		Status:   model.ResultError,
		Result:   model.SandboxResult{ExitCode: -1, Reason: reason},
	})
}

func (rt *Runtime) workspaceRoot() string {
	if rt.cfg.WorkspaceRoot != "" {
		_ = os.MkdirAll(rt.cfg.WorkspaceRoot, 0o755)
		return rt.cfg.WorkspaceRoot
	}
	return os.TempDir()
}

func defaultAgentUID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	sum := sha256.Sum256([]byte(host + filepath.Join(os.TempDir(), "voltask")))
	return "agent-" + hex.EncodeToString(sum[:])[:16]
}

func deviceIDFor(agentUID string) string {
	sum := sha256.Sum256([]byte(agentUID))
	return hex.EncodeToString(sum[:])
}
