package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage"
)

func (s *Store) Enqueue(ctx context.Context, t *model.Task) error {
	if t.Payload == nil {
		t.Payload = json.RawMessage(`{}`)
	}
	if t.Status == "" {
		t.Status = model.TaskQueued
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (project_id, task_type, status, payload, group_id, parent_task_id, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at, updated_at
	`, t.ProjectID, t.TaskType, t.Status, t.Payload, t.GroupID, t.ParentTaskID, t.Priority).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return apperr.Wrap("db_enqueue_task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelectColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("task not found")
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_task", err)
	}
	return t, nil
}

const taskSelectColumns = `SELECT id, project_id, task_type, status, payload, group_id, parent_task_id, priority, assigned_agent_id, created_at, updated_at, started_at, completed_at, recheck_count`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	if err := row.Scan(&t.ID, &t.ProjectID, &t.TaskType, &t.Status, &t.Payload, &t.GroupID, &t.ParentTaskID,
		&t.Priority, &t.AssignedAgent, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.RecheckCount); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListBy(ctx context.Context, f storage.TaskFilter) ([]*model.Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var query string
	var args []interface{}
	if f.AllProjects {
		query = taskSelectColumns + ` FROM tasks`
		if f.Status != "" {
			query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
			args = append(args, f.Status, limit)
		} else {
			query += ` ORDER BY created_at DESC LIMIT $1`
			args = append(args, limit)
		}
	} else {
		query = taskSelectColumns + ` FROM tasks WHERE project_id = $1`
		args = append(args, f.ProjectID)
		if f.Status != "" {
			query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
			args = append(args, f.Status, limit)
		} else {
			query += ` ORDER BY created_at DESC LIMIT $2`
			args = append(args, limit)
		}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap("db_list_tasks", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap("db_scan_task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListSubtasks(ctx context.Context, groupID string) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelectColumns+` FROM tasks WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, apperr.Wrap("db_list_subtasks", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap("db_scan_subtask", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListStaleQueued(ctx context.Context, threshold time.Duration) ([]*model.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelectColumns+`
		FROM tasks WHERE status = 'queued' AND created_at < now() - ($1 * interval '1 second') ORDER BY created_at LIMIT 500
	`, threshold.Seconds())
	if err != nil {
		return nil, apperr.Wrap("db_list_stale_queued", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap("db_scan_stale_task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RequestBatch is the crux of the store's at-most-one-agent-per-task
// guarantee: SELECT ... FOR UPDATE SKIP LOCKED means two concurrent callers
// racing this same query never lock (and therefore never return) the same
// row, without an external advisory lock.
func (s *Store) RequestBatch(ctx context.Context, projectID int64, agentID int64, max int, allowedTypes []string, lowRiskOnly bool) ([]*model.Task, error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap("db_begin", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT t.id, t.project_id, t.task_type, t.status, t.payload, t.group_id, t.parent_task_id,
		       t.priority, t.assigned_agent_id, t.created_at, t.updated_at, t.started_at, t.completed_at, t.recheck_count
		FROM tasks t
		JOIN task_types tt ON tt.project_id = t.project_id AND tt.name = t.task_type
		WHERE t.project_id = $1 AND t.status = 'queued'
	`
	args := []interface{}{projectID}
	if len(allowedTypes) > 0 {
		args = append(args, allowedTypes)
		query += fmt.Sprintf("AND t.task_type = ANY($%d) ", len(args))
	}
	if lowRiskOnly {
		query += `AND tt.low_risk = TRUE `
	}
	args = append(args, max)
	query += fmt.Sprintf("ORDER BY t.priority DESC, t.created_at ASC LIMIT $%d ", len(args))
	query += `FOR UPDATE OF t SKIP LOCKED`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap("db_select_batch", err)
	}
	var ids []int64
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, apperr.Wrap("db_scan_batch", err)
		}
		ids = append(ids, t.ID)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap("db_batch_rows", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = 'running', started_at = $1, updated_at = $1, assigned_agent_id = $2
		WHERE id = ANY($3)
	`, now, agentID, ids)
	if err != nil {
		return nil, apperr.Wrap("db_assign_batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap("db_commit_batch", err)
	}

	for _, t := range tasks {
		t.Status = model.TaskRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		t.AssignedAgent = &agentID
	}
	return tasks, nil
}

// Submit records a TaskResult and, only for a task still in `running`,
// applies the terminal transition. Replays against an already-terminal
// task still append the result row (multiple results per task are
// expected) but never re-drive the status or reputation.
func (s *Store) Submit(ctx context.Context, taskID int64, agentID int64, status model.ResultStatus, result model.SandboxResult) (*model.Task, *model.TaskResult, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, false, apperr.Wrap("db_begin", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, taskSelectColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil, false, apperr.NotFound("task not found")
	}
	if err != nil {
		return nil, nil, false, apperr.Wrap("db_get_task_for_submit", err)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, nil, false, apperr.Wrap("marshal_result", err)
	}

	var tr model.TaskResult
	err = tx.QueryRow(ctx, `
		INSERT INTO task_results (task_id, agent_id, status, result) VALUES ($1,$2,$3,$4)
		RETURNING id, task_id, agent_id, status, result, created_at
	`, taskID, agentID, status, resultJSON).Scan(&tr.ID, &tr.TaskID, &tr.AgentID, &tr.Status, &tr.Result, &tr.CreatedAt)
	if err != nil {
		return nil, nil, false, apperr.Wrap("db_insert_result", err)
	}

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
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3`, newStatus, now, taskID)
		if err != nil {
			return nil, nil, false, apperr.Wrap("db_update_task_status", err)
		}
		t.Status = newStatus
		t.CompletedAt = &now
		t.UpdatedAt = now
		drove = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, apperr.Wrap("db_commit_submit", err)
	}
	return t, &tr, drove, nil
}

func (s *Store) ListResults(ctx context.Context, taskID int64) ([]*model.TaskResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, agent_id, status, result, created_at FROM task_results WHERE task_id = $1 ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, apperr.Wrap("db_list_results", err)
	}
	defer rows.Close()

	var out []*model.TaskResult
	for rows.Next() {
		var tr model.TaskResult
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.AgentID, &tr.Status, &tr.Result, &tr.CreatedAt); err != nil {
			return nil, apperr.Wrap("db_scan_result", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return apperr.Wrap("db_set_task_status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("task not found")
	}
	return nil
}

func (s *Store) StopProjectTasks(ctx context.Context, projectID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'stopped', updated_at = now(), completed_at = now()
		WHERE project_id = $1 AND status NOT IN ('done','failed','stopped')
	`, projectID)
	if err != nil {
		return apperr.Wrap("db_stop_project_tasks", err)
	}
	return nil
}

func (s *Store) IncrementRecheck(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks SET recheck_count = recheck_count + 1, updated_at = now() WHERE id = $1 RETURNING recheck_count
	`, taskID).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap("db_increment_recheck", err)
	}
	return count, nil
}

// RequeueTask puts a task back into the queue for a fresh assignment cycle,
// used by the Verifier to re-dispatch a needs_recheck/suspicious result.
func (s *Store) RequeueTask(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'queued', started_at = NULL, completed_at = NULL,
		       assigned_agent_id = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return apperr.Wrap("db_requeue_task", err)
	}
	return nil
}
