package postgres

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
)

var namespaceSeparators = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizeGUIDNamespace derives the deterministic, sanitized task-namespace
// name for a project GUID: lowercase, non [a-z0-9_] runs collapsed to a
// single underscore, per spec.md §4.1.
func SanitizeGUIDNamespace(guid string) string {
	lower := strings.ToLower(guid)
	collapsed := namespaceSeparators.ReplaceAllString(lower, "_")
	collapsed = strings.Trim(collapsed, "_")
	if collapsed == "" {
		collapsed = "ns"
	}
	return "task_ns_" + collapsed
}

// CreateProject inserts the project row, reserving its task namespace and
// storage prefix in the same transaction so a failure at any step rolls
// back the whole creation (spec.md §4.1).
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap("db_begin", err)
	}
	defer tx.Rollback(ctx)

	p.StoragePrefix = p.GUID
	p.TaskNamespace = SanitizeGUIDNamespace(p.GUID)
	if p.Status == "" {
		p.Status = model.ProjectActive
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO projects (guid, name, description, status, owner, is_demo, storage_prefix, task_namespace)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at
	`, p.GUID, p.Name, p.Description, p.Status, p.Owner, p.IsDemo, p.StoragePrefix, p.TaskNamespace).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("project name %q already exists", p.Name)
		}
		return apperr.Wrap("db_insert_project", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return s.scanProject(ctx, `SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, task_namespace, created_at, updated_at FROM projects WHERE id = $1`, id)
}

func (s *Store) GetProjectByGUID(ctx context.Context, guid string) (*model.Project, error) {
	return s.scanProject(ctx, `SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, task_namespace, created_at, updated_at FROM projects WHERE guid = $1`, guid)
}

func (s *Store) scanProject(ctx context.Context, query string, arg interface{}) (*model.Project, error) {
	var p model.Project
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.GUID, &p.Name, &p.Description, &p.Status, &p.Owner, &p.IsDemo,
		&p.StoragePrefix, &p.TaskNamespace, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("project not found")
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_project", err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, guid, name, description, status, owner, is_demo, storage_prefix, task_namespace, created_at, updated_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, apperr.Wrap("db_list_projects", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.GUID, &p.Name, &p.Description, &p.Status, &p.Owner, &p.IsDemo,
			&p.StoragePrefix, &p.TaskNamespace, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apperr.Wrap("db_scan_project", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetProjectStatus updates status atomically; stopping additionally marks
// every non-terminal task in the project's namespace stopped, in the same
// transaction (spec.md §4.1).
func (s *Store) SetProjectStatus(ctx context.Context, id int64, status model.ProjectStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap("db_begin", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE projects SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return apperr.Wrap("db_update_project_status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("project not found")
	}

	if status == model.ProjectStopped {
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = 'stopped', updated_at = now(), completed_at = now()
			WHERE project_id = $1 AND status NOT IN ('done','failed','stopped')
		`, id)
		if err != nil {
			return apperr.Wrap("db_stop_tasks", err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteProject cascades: task rows are removed by ON DELETE CASCADE, task
// types likewise; object-storage contents are removed best-effort by the
// caller (the objstore client), since it lives outside this transaction.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.IsDemo {
		return apperr.Forbidden("demo project cannot be deleted")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap("db_delete_project", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("project not found")
	}
	return nil
}

func (s *Store) UpsertTaskType(ctx context.Context, tt *model.TaskType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_types (project_id, name, script_object_key, script_sha256, version, low_risk, aggregator_kind)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (project_id, name) DO UPDATE SET
			script_object_key = EXCLUDED.script_object_key,
			script_sha256 = EXCLUDED.script_sha256,
			version = EXCLUDED.version,
			low_risk = EXCLUDED.low_risk,
			aggregator_kind = EXCLUDED.aggregator_kind,
			updated_at = now()
	`, tt.ProjectID, tt.Name, tt.ScriptKey, tt.ScriptSHA256, tt.Version, tt.LowRisk, tt.AggregatorKind)
	if err != nil {
		return apperr.Wrap("db_upsert_task_type", err)
	}
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, projectID int64, name string) (*model.TaskType, error) {
	var tt model.TaskType
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, name, script_object_key, script_sha256, version, low_risk, aggregator_kind, created_at, updated_at
		FROM task_types WHERE project_id = $1 AND name = $2
	`, projectID, name).Scan(&tt.ProjectID, &tt.Name, &tt.ScriptKey, &tt.ScriptSHA256, &tt.Version, &tt.LowRisk, &tt.AggregatorKind, &tt.CreatedAt, &tt.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("task type not found")
	}
	if err != nil {
		return nil, apperr.Wrap("db_get_task_type", err)
	}
	return &tt, nil
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID int64) ([]*model.TaskType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, name, script_object_key, script_sha256, version, low_risk, aggregator_kind, created_at, updated_at
		FROM task_types WHERE project_id = $1 ORDER BY name
	`, projectID)
	if err != nil {
		return nil, apperr.Wrap("db_list_task_types", err)
	}
	defer rows.Close()

	var out []*model.TaskType
	for rows.Next() {
		var tt model.TaskType
		if err := rows.Scan(&tt.ProjectID, &tt.Name, &tt.ScriptKey, &tt.ScriptSHA256, &tt.Version, &tt.LowRisk, &tt.AggregatorKind, &tt.CreatedAt, &tt.UpdatedAt); err != nil {
			return nil, apperr.Wrap("db_scan_task_type", err)
		}
		out = append(out, &tt)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type sqlState interface{ SQLState() string }
	if pe, ok := err.(sqlState); ok {
		return pe.SQLState() == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
