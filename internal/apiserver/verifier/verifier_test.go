package verifier

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

type fakeRecheck struct {
	published []int64
}

func (f *fakeRecheck) PublishRecheck(ctx context.Context, taskID int64, reason string) (string, error) {
	f.published = append(f.published, taskID)
	return "1-0", nil
}
func (f *fakeRecheck) CreateRecheckConsumerGroup(ctx context.Context) error { return nil }
func (f *fakeRecheck) ConsumeRecheck(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.RecheckMessage, error) {
	return nil, nil
}
func (f *fakeRecheck) AckRecheck(ctx context.Context, messageID string) error { return nil }
func (f *fakeRecheck) RecheckQueueLength(ctx context.Context) (int64, error)  { return 0, nil }

func newTestVerifier(t *testing.T, cfg policy.Config, recheck queue.RecheckQueue) (*Verifier, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	pol := policy.New(cfg, store, nil)
	return New(store, pol, nil, recheck, nil), store
}

func enqueueRunning(t *testing.T, store *memstore.Store, projectID int64, taskType string) *model.Task {
	t.Helper()
	task := &model.Task{ProjectID: projectID, TaskType: taskType}
	require.NoError(t, store.Enqueue(context.Background(), task))
	require.NoError(t, store.SetStatus(context.Background(), task.ID, model.TaskRunning))
	return task
}

func TestResolveOKMarksDoneAndAppliesPositiveDelta(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)
	task := enqueueRunning(t, store, 1, "render")

	require.NoError(t, v.Resolve(context.Background(), task.ID, "device-1", ClassOK))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, got.Status)

	rep, err := store.GetReputation(context.Background(), "device-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Score)
}

func TestResolveMismatchMarksFailedAndPenalizes(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)
	task := enqueueRunning(t, store, 1, "render")

	require.NoError(t, v.Resolve(context.Background(), task.ID, "device-2", ClassMismatch))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)

	rep, err := store.GetReputation(context.Background(), "device-2")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), rep.Score)
}

func TestResolveCrossingLowReputationThresholdWritesFlag(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)

	// Drive the device to one mismatch penalty (5 points) above the
	// threshold, then push it over with a single mismatch resolution.
	for i := int64(0); i > model.LowReputationThreshold+5; i-- {
		_, _, err := store.AdjustReputation(context.Background(), "device-3", -1)
		require.NoError(t, err)
	}

	task := enqueueRunning(t, store, 1, "render")
	require.NoError(t, v.Resolve(context.Background(), task.ID, "device-3", ClassMismatch))

	flags, err := store.ListFlags(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, model.FlagLowReputation, flags[0].Reason)
}

func TestResolveNeedsRecheckUnderBudgetRequeues(t *testing.T) {
	recheck := &fakeRecheck{}
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff, RecheckThreshold: 100}, recheck)
	task := enqueueRunning(t, store, 1, "render")

	require.NoError(t, v.Resolve(context.Background(), task.ID, "device-4", ClassNeedsRecheck))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status, "requeue resets the task to queued")
	assert.Equal(t, 1, got.RecheckCount)
	assert.Len(t, recheck.published, 1)
}

func TestResolveSuspiciousSetsSuspiciousStatusBeforeRequeue(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff, RecheckThreshold: 100}, nil)
	task := enqueueRunning(t, store, 1, "render")

	require.NoError(t, v.Resolve(context.Background(), task.ID, "device-5", ClassSuspicious))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status)
}

func TestRequeueOrFailExceedsMaxRechecksFails(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff, RecheckThreshold: 100}, nil)
	task := enqueueRunning(t, store, 1, "render")

	for i := 0; i < v.maxRechecks; i++ {
		_, err := store.IncrementRecheck(context.Background(), task.ID)
		require.NoError(t, err)
	}

	require.NoError(t, v.requeueOrFail(context.Background(), task.ID, ClassNeedsRecheck))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)

	flags, err := store.ListFlags(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, flags, 2, "the recheck proposal's policy_decision audit flag plus the budget-exhausted flag")
	reasons := []string{flags[0].Reason, flags[1].Reason}
	assert.ElementsMatch(t, []string{model.FlagPolicyDecision, string(ClassNeedsRecheck)}, reasons)
}

func TestRequeueOrFailDeniedByPolicyFails(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff, RecheckThreshold: 1}, nil)
	task := enqueueRunning(t, store, 1, "render")

	require.NoError(t, v.requeueOrFail(context.Background(), task.ID, ClassNeedsRecheck))

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status, "recheck_count 1 meets RecheckThreshold 1, policy denies")
}

func TestAggregateRequiresAllSubtasksTerminal(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)
	groupID := "group-pending"
	task := &model.Task{ProjectID: 1, TaskType: "count", GroupID: &groupID}
	require.NoError(t, store.Enqueue(context.Background(), task))

	_, err := v.Aggregate(context.Background(), groupID)
	assert.Error(t, err)
}

func TestAggregateEmptyGroupNotFound(t *testing.T) {
	v, _ := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)
	_, err := v.Aggregate(context.Background(), "no-such-group")
	assert.Error(t, err)
}

func TestAggregateUsesRegisteredAggregatorForTaskType(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)
	groupID := "group-custom"

	t1 := &model.Task{ProjectID: 1, TaskType: "count", GroupID: &groupID}
	require.NoError(t, store.Enqueue(context.Background(), t1))
	require.NoError(t, store.SetStatus(context.Background(), t1.ID, model.TaskRunning))
	_, _, _, err := store.Submit(context.Background(), t1.ID, 1, model.ResultOK, model.SandboxResult{ExitCode: 0})
	require.NoError(t, err)

	t2 := &model.Task{ProjectID: 1, TaskType: "count", GroupID: &groupID}
	require.NoError(t, store.Enqueue(context.Background(), t2))
	require.NoError(t, store.SetStatus(context.Background(), t2.ID, model.TaskRunning))
	_, _, _, err = store.Submit(context.Background(), t2.ID, 1, model.ResultOK, model.SandboxResult{ExitCode: 0})
	require.NoError(t, err)

	v.Aggregators().Register("count", func(results []json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]int{"n": len(results)})
	})

	out, err := v.Aggregate(context.Background(), groupID)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, 2, got["n"])
}

func TestAggregateFallsBackToDefaultSumAggregator(t *testing.T) {
	v, store := newTestVerifier(t, policy.Config{AIMode: model.AIOff}, nil)
	groupID := "group-default"

	task := &model.Task{ProjectID: 1, TaskType: "unregistered_type", GroupID: &groupID}
	require.NoError(t, store.Enqueue(context.Background(), task))
	require.NoError(t, store.SetStatus(context.Background(), task.ID, model.TaskRunning))
	_, _, _, err := store.Submit(context.Background(), task.ID, 1, model.ResultOK, model.SandboxResult{ExitCode: 0, DurationMS: 42})
	require.NoError(t, err)

	out, err := v.Aggregate(context.Background(), groupID)
	require.NoError(t, err)
	var sums map[string]float64
	require.NoError(t, json.Unmarshal(out, &sums))
	assert.Equal(t, float64(42), sums["duration_ms"])
}

func TestDefaultSumAggregatorSumsAcrossResults(t *testing.T) {
	a := json.RawMessage(`{"count":3,"skipped":"not-a-number"}`)
	b := json.RawMessage(`{"count":4}`)
	out, err := DefaultSumAggregator([]json.RawMessage{a, b})
	require.NoError(t, err)
	var sums map[string]float64
	require.NoError(t, json.Unmarshal(out, &sums))
	assert.Equal(t, float64(7), sums["count"])
	_, hasSkipped := sums["skipped"]
	assert.False(t, hasSkipped)
}

func TestDefaultSumAggregatorRejectsNonObjectResult(t *testing.T) {
	_, err := DefaultSumAggregator([]json.RawMessage{json.RawMessage(`[1,2,3]`)})
	assert.Error(t, err)
}

func TestHeuristicZeroDurationFlagsInstantaneousSuccess(t *testing.T) {
	suspicious, reason := heuristicZeroDuration(nil, model.SandboxResult{ExitCode: 0, DurationMS: 0})
	assert.True(t, suspicious)
	assert.NotEmpty(t, reason)

	suspicious, _ = heuristicZeroDuration(nil, model.SandboxResult{ExitCode: 0, DurationMS: 5})
	assert.False(t, suspicious)

	suspicious, _ = heuristicZeroDuration(nil, model.SandboxResult{ExitCode: 1, DurationMS: 0})
	assert.False(t, suspicious, "a nonzero exit code isn't a success worth flagging")
}

func TestHeuristicEmptyOutputOnSuccessFlagsBlankRun(t *testing.T) {
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	suspicious, reason := heuristicEmptyOutputOnSuccess(nil, model.SandboxResult{ExitCode: 0, StdoutSHA256: emptySHA256})
	assert.True(t, suspicious)
	assert.NotEmpty(t, reason)

	suspicious, _ = heuristicEmptyOutputOnSuccess(nil, model.SandboxResult{ExitCode: 0, StdoutSHA256: emptySHA256, Structured: json.RawMessage(`{"n":1}`)})
	assert.False(t, suspicious, "a structured result means the run wasn't blank")

	suspicious, _ = heuristicEmptyOutputOnSuccess(nil, model.SandboxResult{ExitCode: 0, StdoutSHA256: "somehash"})
	assert.False(t, suspicious)
}

func TestHeuristicBannedPatternFlagsRiskyScriptBody(t *testing.T) {
	suspicious, reason := heuristicBannedPattern([]byte("import subprocess\nsubprocess.run(['ls'])"), model.SandboxResult{})
	assert.True(t, suspicious)
	assert.Contains(t, reason, "import subprocess")

	suspicious, _ = heuristicBannedPattern([]byte("#!/bin/sh\necho hello\n"), model.SandboxResult{})
	assert.False(t, suspicious)
}

func TestHeuristicOversizeOutputFlagsLargeStdout(t *testing.T) {
	suspicious, reason := heuristicOversizeOutput(nil, model.SandboxResult{StdoutBytes: maxTrustedStdoutBytes + 1})
	assert.True(t, suspicious)
	assert.NotEmpty(t, reason)

	suspicious, _ = heuristicOversizeOutput(nil, model.SandboxResult{StdoutBytes: maxTrustedStdoutBytes})
	assert.False(t, suspicious, "exactly at the threshold is still trusted")
}
