package assignment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltask/voltask/internal/apiserver/policy"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/queue"
	"github.com/voltask/voltask/internal/storage/memstore"
)

type fakeDispatch struct {
	published []queue.DispatchMessage
}

func (f *fakeDispatch) PublishDispatch(ctx context.Context, projectID, taskID int64, agentUID string) (string, error) {
	f.published = append(f.published, queue.DispatchMessage{ProjectID: projectID, TaskID: taskID, AgentUID: agentUID})
	return "1-0", nil
}
func (f *fakeDispatch) CreateDispatchConsumerGroup(ctx context.Context) error { return nil }
func (f *fakeDispatch) ConsumeDispatch(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.DispatchMessage, error) {
	return nil, nil
}
func (f *fakeDispatch) AckDispatch(ctx context.Context, messageID string) error { return nil }
func (f *fakeDispatch) DispatchQueueLength(ctx context.Context) (int64, error)  { return 0, nil }
func (f *fakeDispatch) DispatchPendingCount(ctx context.Context) (int64, error) { return 0, nil }

func setupProject(t *testing.T, store *memstore.Store, taskType string, lowRisk bool) *model.Project {
	t.Helper()
	p := &model.Project{GUID: "proj-guid-1", Name: "proj-1", Status: model.ProjectActive}
	require.NoError(t, store.CreateProject(context.Background(), p))
	require.NoError(t, store.UpsertTaskType(context.Background(), &model.TaskType{
		ProjectID:    p.ID,
		Name:         taskType,
		ScriptKey:    "scripts/" + taskType + ".sh",
		ScriptSHA256: "deadbeef",
		LowRisk:      lowRisk,
	}))
	return p
}

func setupAgent(t *testing.T, store *memstore.Store, uid string) *model.Agent {
	t.Helper()
	a := &model.Agent{AgentUID: uid, DeviceID: uid + "-device"}
	require.NoError(t, store.RegisterAgent(context.Background(), a))
	return a
}

func newEngine(store *memstore.Store, dispatch queue.DispatchQueue, cfg policy.Config) *Engine {
	pol := policy.New(cfg, store, nil)
	return New(store, pol, dispatch, nil)
}

func TestRequestBatchUnregisteredAgentErrors(t *testing.T) {
	store := memstore.New()
	eng := newEngine(store, &fakeDispatch{}, policy.Config{AIMode: model.AIOff})
	_, err := eng.RequestBatch(context.Background(), "no-such-agent", 5)
	assert.Error(t, err)
}

func TestRequestBatchBlockedAgentGetsNothing(t *testing.T) {
	store := memstore.New()
	a := setupAgent(t, store, "agent-1")
	require.NoError(t, store.Block(context.Background(), a.ID, "abuse"))
	eng := newEngine(store, &fakeDispatch{}, policy.Config{AIMode: model.AIOff})

	tasks, err := eng.RequestBatch(context.Background(), "agent-1", 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRequestBatchOfflineAgentGetsNothing(t *testing.T) {
	store := memstore.New()
	a := setupAgent(t, store, "agent-1")
	require.NoError(t, store.Touch(context.Background(), a.ID, time.Now().Add(-time.Hour)))
	eng := newEngine(store, &fakeDispatch{}, policy.Config{AIMode: model.AIOff})

	tasks, err := eng.RequestBatch(context.Background(), "agent-1", 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRequestBatchAIOffStrictWithoutPreferenceSkipsProject(t *testing.T) {
	store := memstore.New()
	setupAgent(t, store, "agent-1")
	p := setupProject(t, store, "render", false)
	require.NoError(t, store.Enqueue(context.Background(), &model.Task{ProjectID: p.ID, TaskType: "render"}))

	eng := newEngine(store, &fakeDispatch{}, policy.Config{AIMode: model.AIOff})
	envs, err := eng.RequestBatch(context.Background(), "agent-1", 5)
	require.NoError(t, err)
	assert.Empty(t, envs, "AI_OFF strict mode requires an explicit preference row")
}

func TestRequestBatchHappyPath(t *testing.T) {
	store := memstore.New()
	agent := setupAgent(t, store, "agent-1")
	p := setupProject(t, store, "render", false)
	require.NoError(t, store.SetPreference(context.Background(), &model.Preference{
		AgentID: agent.ID, ProjectID: p.ID, AllowedTaskTypes: []string{"render"},
	}))
	require.NoError(t, store.Enqueue(context.Background(), &model.Task{ProjectID: p.ID, TaskType: "render", Payload: json.RawMessage(`{"x":1}`)}))

	dispatch := &fakeDispatch{}
	eng := newEngine(store, dispatch, policy.Config{AIMode: model.AIOff, MaxConcurrentTasks: 10})

	envs, err := eng.RequestBatch(context.Background(), "agent-1", 5)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "render", envs[0].TaskType)
	assert.Equal(t, "deadbeef", envs[0].ScriptSHA256)
	assert.Len(t, dispatch.published, 1)
}

func TestRequestBatchLowReputationRestrictsToLowRisk(t *testing.T) {
	store := memstore.New()
	agent := setupAgent(t, store, "agent-1")
	p := setupProject(t, store, "risky", false)
	require.NoError(t, store.UpsertTaskType(context.Background(), &model.TaskType{
		ProjectID: p.ID, Name: "safe", ScriptKey: "scripts/safe.sh", ScriptSHA256: "cafebabe", LowRisk: true,
	}))
	require.NoError(t, store.SetPreference(context.Background(), &model.Preference{AgentID: agent.ID, ProjectID: p.ID}))
	require.NoError(t, store.Enqueue(context.Background(), &model.Task{ProjectID: p.ID, TaskType: "risky"}))
	require.NoError(t, store.Enqueue(context.Background(), &model.Task{ProjectID: p.ID, TaskType: "safe"}))

	// Drive the device's reputation at or below the threshold.
	for i := int64(0); i > model.LowReputationThreshold-1; i-- {
		_, _, err := store.AdjustReputation(context.Background(), agent.DeviceID, -1)
		require.NoError(t, err)
	}

	eng := newEngine(store, &fakeDispatch{}, policy.Config{AIMode: model.AIOff, MaxConcurrentTasks: 10})
	envs, err := eng.RequestBatch(context.Background(), "agent-1", 5)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "safe", envs[0].TaskType)
}

func TestRequestBatchMissingScriptMetadataFlagsAndRequeuesInsteadOfFailing(t *testing.T) {
	store := memstore.New()
	agent := setupAgent(t, store, "agent-1")
	p := &model.Project{GUID: "proj-guid-2", Name: "proj-2", Status: model.ProjectActive}
	require.NoError(t, store.CreateProject(context.Background(), p))
	require.NoError(t, store.SetPreference(context.Background(), &model.Preference{AgentID: agent.ID, ProjectID: p.ID}))
	task := &model.Task{ProjectID: p.ID, TaskType: "unregistered"}
	require.NoError(t, store.Enqueue(context.Background(), task))

	dispatch := &fakeDispatch{}
	eng := newEngine(store, dispatch, policy.Config{AIMode: model.AIOff, MaxConcurrentTasks: 10})
	envs, err := eng.RequestBatch(context.Background(), "agent-1", 5)
	require.NoError(t, err, "an unresolvable task type must not fail the whole batch request")
	assert.Empty(t, envs)
	assert.Empty(t, dispatch.published, "a requeued task must never be dispatched to the agent")

	flags, err := store.ListFlags(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, flags, 2, "the assign proposal's policy_decision audit flag plus the hash_mismatch flag")
	reasons := []string{flags[0].Reason, flags[1].Reason}
	assert.ElementsMatch(t, []string{model.FlagPolicyDecision, model.FlagHashMismatch}, reasons)

	requeued, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, requeued.Status)
}
