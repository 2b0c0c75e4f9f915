package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEULANotAcceptedByDefault(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.EULAAccepted(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcceptEULAIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcceptEULA(ctx))
	require.NoError(t, s.AcceptEULA(ctx))

	ok, err := s.EULAAccepted(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueDepthCountsQueuedAndRunningOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TrackTask(ctx, 1))
	require.NoError(t, s.TrackTask(ctx, 2))
	require.NoError(t, s.MarkRunning(ctx, 2))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	require.NoError(t, s.Untrack(ctx, 1))
	depth, err = s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestTrackTaskIsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TrackTask(ctx, 5))
	require.NoError(t, s.MarkRunning(ctx, 5))
	require.NoError(t, s.TrackTask(ctx, 5))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "re-tracking the same task id must not create a duplicate row")
}

func TestUntrackUnknownTaskIsANoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Untrack(context.Background(), 999))
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.AcceptEULA(ctx))
	require.NoError(t, s1.TrackTask(ctx, 1))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	accepted, err := s2.EULAAccepted(ctx)
	require.NoError(t, err)
	assert.True(t, accepted)

	depth, err := s2.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
