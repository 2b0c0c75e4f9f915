// Package verifier implements the Verifier (spec §4.6): server-side
// re-execution of a submitted result through the same sandbox.Runner the
// agent used, classification of the outcome, reputation adjustment, and
// group aggregation once every subtask in a group has reached a terminal
// state.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voltask/voltask/internal/apiserver/policy"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/queue"
	"github.com/voltask/voltask/internal/sandbox"
	"github.com/voltask/voltask/internal/storage"
)

// Classification is the Verifier's verdict on a submitted result.
type Classification string

const (
	ClassOK           Classification = "ok"
	ClassMismatch     Classification = "mismatch"
	ClassNeedsRecheck Classification = "needs_recheck"
	ClassSuspicious   Classification = "suspicious"
)

// DefaultMaxRechecks is the recheck ceiling (spec §4.6) beyond which a task
// is marked failed and flagged rather than requeued again.
const DefaultMaxRechecks = 3

// Heuristic inspects a submitted result, and the script body that produced
// it, for signs of fabrication. It only runs when the process's AI mode is
// anything other than AI_OFF.
type Heuristic func(body []byte, result model.SandboxResult) (suspicious bool, reason string)

// Verifier re-executes and classifies submitted task results.
type Verifier struct {
	store       storage.Store
	policy      *policy.Engine
	objects     *objstore.Client
	runner      *sandbox.Runner
	recheck     queue.RecheckQueue
	log         *logging.Logger
	heuristics  []Heuristic
	maxRechecks int
	limits      sandbox.Limits

	aggregators *Registry
}

func New(store storage.Store, pol *policy.Engine, objects *objstore.Client, recheck queue.RecheckQueue, log *logging.Logger) *Verifier {
	if log == nil {
		log = logging.New(logging.Config{Component: "verifier"})
	}
	return &Verifier{
		store:       store,
		policy:      pol,
		objects:     objects,
		runner:      sandbox.New(log.With("subcomponent", "reexec")),
		recheck:     recheck,
		log:         log,
		heuristics:  defaultHeuristics(),
		maxRechecks: DefaultMaxRechecks,
		limits:      sandbox.Limits{Timeout: 30 * time.Second, OutputBytes: 512 << 10, WorkspaceBytes: 16 << 20},
		aggregators: NewRegistry(),
	}
}

// Aggregators exposes the per-task-type aggregator registry so callers can
// register aggregation rules at process start.
func (v *Verifier) Aggregators() *Registry { return v.aggregators }

// Classify re-executes the task's script server-side and compares the
// result against what the agent submitted.
func (v *Verifier) Classify(ctx context.Context, taskID int64, submitted model.SandboxResult) (Classification, error) {
	task, err := v.store.GetTask(ctx, taskID)
	if err != nil {
		return "", apperr.Wrap("load_task", err)
	}
	if task == nil {
		return "", apperr.NotFound("task %d not found", taskID)
	}

	project, err := v.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return "", apperr.Wrap("load_project", err)
	}
	taskType, err := v.store.GetTaskType(ctx, task.ProjectID, task.TaskType)
	if err != nil {
		return "", apperr.Wrap("load_task_type", err)
	}
	if project == nil || taskType == nil {
		return "", apperr.DataIntegrityf("missing_task_type", "task %d references unknown task type", taskID)
	}

	key := objstore.ScriptKey(project.StoragePrefix, taskType.ScriptKey)
	body, err := v.objects.DownloadVerified(ctx, key, taskType.ScriptSHA256)
	if err != nil {
		v.flag(ctx, taskID, model.FlagSandboxError, "script download/verify failed: "+err.Error())
		return ClassNeedsRecheck, nil
	}

	result := v.runner.Run(ctx, sandbox.Request{
		TaskID:       taskID,
		ScriptBody:   body,
		ScriptSHA256: taskType.ScriptSHA256,
		Payload:      task.Payload,
		Limits:       v.limits,
	})

	if result.Reason != "" && result.Reason != "parse_error" {
		v.flag(ctx, taskID, model.FlagSandboxError, "server re-execution failed: "+result.Reason)
		return ClassNeedsRecheck, nil
	}

	if result.ExitCode != submitted.ExitCode || result.StdoutSHA256 != submitted.StdoutSHA256 {
		v.flag(ctx, taskID, model.FlagMismatch, fmt.Sprintf("exit/stdout mismatch: server exit=%d stdout=%s, submitted exit=%d stdout=%s",
			result.ExitCode, result.StdoutSHA256, submitted.ExitCode, submitted.StdoutSHA256))
		return ClassMismatch, nil
	}

	if v.policy.Config().AIMode != model.AIOff {
		for _, h := range v.heuristics {
			if suspicious, reason := h(body, submitted); suspicious {
				v.flag(ctx, taskID, model.FlagSuspiciousResult, reason)
				return ClassSuspicious, nil
			}
		}
	}

	return ClassOK, nil
}

// Resolve applies a classification's consequences: reputation adjustment,
// task status transition, and recheck bounding.
func (v *Verifier) Resolve(ctx context.Context, taskID int64, deviceID string, class Classification) error {
	delta := model.ReputationDelta(model.ResultOK, string(class))
	if delta != 0 {
		if _, crossed, err := v.store.AdjustReputation(ctx, deviceID, delta); err != nil {
			return apperr.Wrap("adjust_reputation", err)
		} else if crossed {
			v.flag(ctx, taskID, model.FlagLowReputation, fmt.Sprintf("device %s crossed low-reputation threshold", deviceID))
		}
	}

	switch class {
	case ClassOK:
		return v.store.SetStatus(ctx, taskID, model.TaskDone)
	case ClassMismatch:
		return v.store.SetStatus(ctx, taskID, model.TaskFailed)
	case ClassNeedsRecheck, ClassSuspicious:
		return v.requeueOrFail(ctx, taskID, class)
	default:
		return apperr.Fatalf("unknown_classification", "verifier produced unknown classification %q", class)
	}
}

func (v *Verifier) requeueOrFail(ctx context.Context, taskID int64, class Classification) error {
	count, err := v.store.IncrementRecheck(ctx, taskID)
	if err != nil {
		return apperr.Wrap("increment_recheck", err)
	}

	decision, err := v.policy.Evaluate(ctx, policy.Proposal{
		Kind:   policy.KindRecheck,
		Origin: policy.OriginDeterministic,
		Parameters: map[string]interface{}{
			"recheck_count": count,
			"task_id":       taskID,
		},
	})
	if err != nil {
		return apperr.Wrap("policy_evaluate", err)
	}

	if decision.Denied || count > v.maxRechecks {
		v.flag(ctx, taskID, string(class), "recheck budget exhausted")
		return v.store.SetStatus(ctx, taskID, model.TaskFailed)
	}

	status := model.TaskNeedsRecheck
	if class == ClassSuspicious {
		status = model.TaskSuspicious
	}
	if err := v.store.SetStatus(ctx, taskID, status); err != nil {
		return apperr.Wrap("set_status", err)
	}
	if err := v.store.RequeueTask(ctx, taskID); err != nil {
		return apperr.Wrap("requeue_task", err)
	}
	if v.recheck != nil {
		if _, err := v.recheck.PublishRecheck(ctx, taskID, string(class)); err != nil {
			v.log.Warn("publish recheck failed", "task_id", taskID, "err", err)
		}
	}
	return nil
}

func (v *Verifier) flag(ctx context.Context, taskID int64, reason, detail string) {
	details, _ := json.Marshal(map[string]string{"detail": detail})
	f := &model.Flag{TaskID: &taskID, Reason: reason, Details: details}
	if err := v.store.CreateFlag(ctx, f); err != nil {
		v.log.Error("flag write failed", "task_id", taskID, "reason", reason, "err", err)
	}
}

// Aggregate waits for nothing itself — it is called once the caller already
// knows every task in groupID is terminal — and folds their results through
// the task type's registered Aggregator, defaulting to a sum of numeric
// counters when no aggregator was registered for the type.
func (v *Verifier) Aggregate(ctx context.Context, groupID string) (json.RawMessage, error) {
	subtasks, err := v.store.ListSubtasks(ctx, groupID)
	if err != nil {
		return nil, apperr.Wrap("list_subtasks", err)
	}
	if len(subtasks) == 0 {
		return nil, apperr.NotFound("group %s has no subtasks", groupID)
	}

	for _, t := range subtasks {
		if !t.Status.Terminal() {
			return nil, apperr.Policyf("group_not_terminal", "task %d in group %s is still %s", t.ID, groupID, t.Status)
		}
	}

	kind := subtasks[0].TaskType
	agg := v.aggregators.Lookup(kind)

	var payloads []json.RawMessage
	for _, t := range subtasks {
		results, err := v.store.ListResults(ctx, t.ID)
		if err != nil {
			return nil, apperr.Wrap("list_results", err)
		}
		if len(results) == 0 {
			continue
		}
		payloads = append(payloads, results[len(results)-1].Result)
	}

	return agg(payloads)
}

func defaultHeuristics() []Heuristic {
	return []Heuristic{
		heuristicZeroDuration,
		heuristicEmptyOutputOnSuccess,
		heuristicBannedPattern,
		heuristicOversizeOutput,
	}
}

// heuristicZeroDuration flags an implausibly instantaneous run: a script
// that reports zero milliseconds almost certainly never executed.
func heuristicZeroDuration(_ []byte, r model.SandboxResult) (bool, string) {
	if r.ExitCode == 0 && r.DurationMS == 0 {
		return true, "zero-duration successful run"
	}
	return false, ""
}

// heuristicEmptyOutputOnSuccess flags a successful exit with no captured
// output and no structured result, which most task types treat as a sign
// the script was stubbed out rather than actually run.
func heuristicEmptyOutputOnSuccess(_ []byte, r model.SandboxResult) (bool, string) {
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if r.ExitCode == 0 && r.StdoutSHA256 == emptySHA256 && len(r.Structured) == 0 {
		return true, "successful run produced no output and no structured result"
	}
	return false, ""
}

// riskyTokens is a fixed banned-substring list scanned against the script
// body before trusting its result.
var riskyTokens = []string{
	"import os", "import subprocess", "socket", "requests",
	"open(", "shutil", "pathlib", "__import__", "eval(",
}

// heuristicBannedPattern flags a script body containing a known-risky
// substring, regardless of what it reported at exit.
func heuristicBannedPattern(body []byte, _ model.SandboxResult) (bool, string) {
	for _, tok := range riskyTokens {
		if bytes.Contains(body, []byte(tok)) {
			return true, "script body contains banned pattern: " + tok
		}
	}
	return false, ""
}

// maxTrustedStdoutBytes is the stdout size above which a result is flagged
// suspicious rather than trusted outright.
const maxTrustedStdoutBytes = 10000

// heuristicOversizeOutput flags a run whose captured stdout exceeds the
// trusted size threshold.
func heuristicOversizeOutput(_ []byte, r model.SandboxResult) (bool, string) {
	if r.StdoutBytes > maxTrustedStdoutBytes {
		return true, fmt.Sprintf("stdout size %d exceeds trusted threshold %d", r.StdoutBytes, maxTrustedStdoutBytes)
	}
	return false, ""
}
