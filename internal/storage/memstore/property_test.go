package memstore_test

import (
	"context"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage/memstore"
)

// TestRequestBatchAtMostOneAgentPerTask exercises the universal invariant
// that a queued task, once claimed by RequestBatch, is never handed out to
// a second concurrent caller. The Postgres implementation gets this from
// SELECT ... FOR UPDATE SKIP LOCKED; this store gets it from holding its
// single mutex across the read and the status flip.
func TestRequestBatchAtMostOneAgentPerTask(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numTasks := rapid.IntRange(1, 60).Draw(rt, "numTasks")
		numAgents := rapid.IntRange(2, 12).Draw(rt, "numAgents")
		batchSize := rapid.IntRange(1, 8).Draw(rt, "batchSize")

		store := memstore.New()
		ctx := context.Background()

		project := &model.Project{GUID: "prop-guid", Name: "prop-project", Status: model.ProjectActive}
		if err := store.CreateProject(ctx, project); err != nil {
			rt.Fatalf("create project: %v", err)
		}
		if err := store.UpsertTaskType(ctx, &model.TaskType{
			ProjectID: project.ID, Name: "work", ScriptKey: "s", ScriptSHA256: "h",
		}); err != nil {
			rt.Fatalf("upsert task type: %v", err)
		}

		taskIDs := make(map[int64]struct{}, numTasks)
		for i := 0; i < numTasks; i++ {
			task := &model.Task{ProjectID: project.ID, TaskType: "work"}
			if err := store.Enqueue(ctx, task); err != nil {
				rt.Fatalf("enqueue: %v", err)
			}
			taskIDs[task.ID] = struct{}{}
		}

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			claim = make(map[int64]int64) // task id -> claiming agent id
		)

		for a := 1; a <= numAgents; a++ {
			wg.Add(1)
			go func(agentID int64) {
				defer wg.Done()
				got, err := store.RequestBatch(ctx, project.ID, agentID, batchSize, nil, false)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					rt.Errorf("request batch: %v", err)
					return
				}
				for _, task := range got {
					if prior, ok := claim[task.ID]; ok {
						rt.Errorf("task %d claimed by both agent %d and agent %d", task.ID, prior, agentID)
					}
					claim[task.ID] = agentID
				}
			}(int64(a))
		}
		wg.Wait()

		for taskID := range claim {
			if _, known := taskIDs[taskID]; !known {
				rt.Errorf("claimed task %d was never enqueued", taskID)
			}
		}

		for taskID := range claim {
			task, err := store.GetTask(ctx, taskID)
			if err != nil {
				rt.Fatalf("get task: %v", err)
			}
			if task.Status != model.TaskRunning {
				rt.Errorf("claimed task %d has status %s, want running", taskID, task.Status)
			}
			if task.AssignedAgent == nil || *task.AssignedAgent != claim[taskID] {
				rt.Errorf("task %d assigned_agent mismatch: got %v, want %d", taskID, task.AssignedAgent, claim[taskID])
			}
		}
	})
}
