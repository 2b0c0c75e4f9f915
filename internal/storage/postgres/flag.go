package postgres

import (
	"context"
	"encoding/json"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
)

func (s *Store) CreateFlag(ctx context.Context, f *model.Flag) error {
	if f.Details == nil {
		f.Details = json.RawMessage(`{}`)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO flags (user_id, device_id, task_id, reason, details) VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`, f.UserID, f.DeviceID, f.TaskID, f.Reason, f.Details).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return apperr.Wrap("db_create_flag", err)
	}
	return nil
}

func (s *Store) ListFlags(ctx context.Context, limit int) ([]*model.Flag, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, device_id, task_id, reason, details, created_at FROM flags ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperr.Wrap("db_list_flags", err)
	}
	defer rows.Close()

	var out []*model.Flag
	for rows.Next() {
		var f model.Flag
		if err := rows.Scan(&f.ID, &f.UserID, &f.DeviceID, &f.TaskID, &f.Reason, &f.Details, &f.CreatedAt); err != nil {
			return nil, apperr.Wrap("db_scan_flag", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
