package assignment

import (
	"sync"

	"github.com/voltask/voltask/internal/model"
)

// roundRobinCursor remembers, per agent, which candidate project led the
// previous rotation so successive request_batch calls rotate the starting
// point instead of always favoring the lowest project ID. This is the
// fairness mechanism spec §4.4 calls for across an agent's candidate set.
type roundRobinCursor struct {
	mu   sync.Mutex
	last map[int64]int64 // agentID -> projectID that led the last rotation
}

func newRoundRobinCursor() *roundRobinCursor {
	return &roundRobinCursor{last: make(map[int64]int64)}
}

// rotate reorders projects so iteration starts just after the project that
// led this agent's previous rotation, then records the new starting point.
func (c *roundRobinCursor) rotate(agentID int64, projects []*model.Project) []*model.Project {
	if len(projects) <= 1 {
		return projects
	}

	c.mu.Lock()
	lastID, seen := c.last[agentID]
	c.mu.Unlock()

	start := 0
	if seen {
		for i, p := range projects {
			if p.ID == lastID {
				start = (i + 1) % len(projects)
				break
			}
		}
	}

	rotated := make([]*model.Project, len(projects))
	for i := range projects {
		rotated[i] = projects[(start+i)%len(projects)]
	}

	c.mu.Lock()
	c.last[agentID] = rotated[0].ID
	c.mu.Unlock()

	return rotated
}
