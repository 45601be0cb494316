package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/happyagents/happy/internal/common/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &Record{
		ID:         "sess-1",
		Tag:        "tag-1",
		WorkingDir: "/work",
		MachineID:  "machine-1",
		Lifecycle:  "initializing",
		StartedBy:  "terminal",
	}
	require.NoError(t, s.Save(ctx, r))
	assert.NotZero(t, r.CreatedAt)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "tag-1", got.Tag)
	assert.Equal(t, "machine-1", got.MachineID)
	assert.Equal(t, "initializing", got.Lifecycle)
}

func TestSaveReplacesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "sess-1", Tag: "a", WorkingDir: "/w", MachineID: "m", Lifecycle: "running", StartedBy: "daemon"}))
	require.NoError(t, s.Save(ctx, &Record{ID: "sess-1", Tag: "b", WorkingDir: "/w", MachineID: "m", Lifecycle: "running", StartedBy: "daemon"}))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Tag)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSetLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "sess-1", Tag: "t", WorkingDir: "/w", MachineID: "m", Lifecycle: "running", StartedBy: "daemon"}))
	require.NoError(t, s.SetLifecycle(ctx, "sess-1", "archived"))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "archived", got.Lifecycle)

	err = s.SetLifecycle(ctx, "missing", "archived")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSetTeam(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "sess-1", Tag: "t", WorkingDir: "/w", MachineID: "m", Lifecycle: "running", StartedBy: "daemon"}))
	require.NoError(t, s.SetTeam(ctx, "sess-1", "builder", "team-9"))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "builder", got.Role)
	assert.Equal(t, "team-9", got.TeamID)
}

func TestListActiveSkipsArchived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "a", Tag: "t", WorkingDir: "/w", MachineID: "m", Lifecycle: "running", StartedBy: "daemon", CreatedAt: 100}))
	require.NoError(t, s.Save(ctx, &Record{ID: "b", Tag: "t", WorkingDir: "/w", MachineID: "m", Lifecycle: "archived", StartedBy: "daemon", CreatedAt: 200}))
	require.NoError(t, s.Save(ctx, &Record{ID: "c", Tag: "t", WorkingDir: "/w", MachineID: "m", Lifecycle: "initializing", StartedBy: "terminal", CreatedAt: 300}))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "c", active[0].ID, "newest first")
	assert.Equal(t, "a", active[1].ID)
}
