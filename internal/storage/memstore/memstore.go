// Package memstore is an in-memory storage.Store used by handler-level and
// property tests, so those tests exercise the same interface the real
// Postgres implementation does without requiring a database.
package memstore

import (
	"fmt"
	"sync"

	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	projects   map[int64]*model.Project
	taskTypes  map[int64]map[string]*model.TaskType
	tasks      map[int64]*model.Task
	results    map[int64][]*model.TaskResult
	agents     map[int64]*model.Agent
	agentByUID map[string]int64
	prefs      map[string]*model.Preference
	reputation map[string]*model.Reputation
	flags      []*model.Flag

	nextProjectID int64
	nextTaskID    int64
	nextResultID  int64
	nextAgentID   int64
	nextFlagID    int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		projects:   make(map[int64]*model.Project),
		taskTypes:  make(map[int64]map[string]*model.TaskType),
		tasks:      make(map[int64]*model.Task),
		results:    make(map[int64][]*model.TaskResult),
		agents:     make(map[int64]*model.Agent),
		agentByUID: make(map[string]int64),
		prefs:      make(map[string]*model.Preference),
		reputation: make(map[string]*model.Reputation),
	}
}

func (s *Store) Close() error { return nil }

func prefKey(agentID, projectID int64) string {
	return fmt.Sprintf("%d:%d", agentID, projectID)
}

var _ storage.Store = (*Store)(nil)
