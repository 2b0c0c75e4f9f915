package memstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voltask/voltask/internal/model"
)

func (s *Store) CreateFlag(ctx context.Context, f *model.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Details == nil {
		f.Details = json.RawMessage(`{}`)
	}
	s.nextFlagID++
	f.ID = s.nextFlagID
	f.CreatedAt = time.Now()
	cp := *f
	s.flags = append(s.flags, &cp)
	return nil
}

func (s *Store) ListFlags(ctx context.Context, limit int) ([]*model.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	out := make([]*model.Flag, len(s.flags))
	copy(out, s.flags)
	sortFlagsByCreatedDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortFlagsByCreatedDesc(fs []*model.Flag) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j].CreatedAt.After(fs[j-1].CreatedAt); j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
}
