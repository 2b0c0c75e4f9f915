package memstore

import (
	"context"

	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage/postgres"
)

func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Name == p.Name {
			return apperr.Conflict("project name %q already exists", p.Name)
		}
	}
	if p.IsDemo {
		for _, existing := range s.projects {
			if existing.IsDemo {
				return apperr.Conflict("a demo project already exists")
			}
		}
	}

	s.nextProjectID++
	p.ID = s.nextProjectID
	p.StoragePrefix = p.GUID
	p.TaskNamespace = postgres.SanitizeGUIDNamespace(p.GUID)
	if p.Status == "" {
		p.Status = model.ProjectActive
	}
	cp := *p
	s.projects[p.ID] = &cp
	s.taskTypes[p.ID] = make(map[string]*model.TaskType)
	return nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFound("project not found")
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetProjectByGUID(ctx context.Context, guid string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.GUID == guid {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("project not found")
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	sortProjects(out)
	return out, nil
}

func (s *Store) SetProjectStatus(ctx context.Context, id int64, status model.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return apperr.NotFound("project not found")
	}
	p.Status = status
	if status == model.ProjectStopped {
		for _, t := range s.tasks {
			if t.ProjectID == id && !t.Status.Terminal() {
				t.Status = model.TaskStopped
				now := t.UpdatedAt
				t.CompletedAt = &now
			}
		}
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return apperr.NotFound("project not found")
	}
	if p.IsDemo {
		return apperr.Forbidden("demo project cannot be deleted")
	}
	delete(s.projects, id)
	delete(s.taskTypes, id)
	for tid, t := range s.tasks {
		if t.ProjectID == id {
			delete(s.tasks, tid)
			delete(s.results, tid)
		}
	}
	return nil
}

func (s *Store) UpsertTaskType(ctx context.Context, tt *model.TaskType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taskTypes[tt.ProjectID]; !ok {
		s.taskTypes[tt.ProjectID] = make(map[string]*model.TaskType)
	}
	cp := *tt
	s.taskTypes[tt.ProjectID][tt.Name] = &cp
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, projectID int64, name string) (*model.TaskType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.taskTypes[projectID]
	if !ok {
		return nil, apperr.NotFound("task type not found")
	}
	tt, ok := byName[name]
	if !ok {
		return nil, apperr.NotFound("task type not found")
	}
	cp := *tt
	return &cp, nil
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID int64) ([]*model.TaskType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskType
	for _, tt := range s.taskTypes[projectID] {
		cp := *tt
		out = append(out, &cp)
	}
	return out, nil
}

func sortProjects(ps []*model.Project) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].ID < ps[j-1].ID; j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}
