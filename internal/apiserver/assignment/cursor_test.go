package assignment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voltask/voltask/internal/model"
)

func projectIDs(ps []*model.Project) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestRotateStartsAfterLastServedProject(t *testing.T) {
	c := newRoundRobinCursor()
	projects := []*model.Project{{ID: 1}, {ID: 2}, {ID: 3}}

	first := c.rotate(42, projects)
	assert.Equal(t, []int64{1, 2, 3}, projectIDs(first))

	second := c.rotate(42, projects)
	assert.Equal(t, []int64{2, 3, 1}, projectIDs(second))

	third := c.rotate(42, projects)
	assert.Equal(t, []int64{3, 1, 2}, projectIDs(third))
}

func TestRotateIsPerAgent(t *testing.T) {
	c := newRoundRobinCursor()
	projects := []*model.Project{{ID: 1}, {ID: 2}, {ID: 3}}

	c.rotate(1, projects)
	rotatedForOther := c.rotate(2, projects)
	assert.Equal(t, []int64{1, 2, 3}, projectIDs(rotatedForOther), "a different agent's cursor starts fresh")
}

func TestRotateSingleProjectIsNoop(t *testing.T) {
	c := newRoundRobinCursor()
	projects := []*model.Project{{ID: 7}}
	assert.Equal(t, projects, c.rotate(1, projects))
}
