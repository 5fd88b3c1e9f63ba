package runs

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r, err := NewRegistry(db)
	require.NoError(t, err)
	return r
}

func TestRunLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	id := NewID()
	require.NoError(t, r.Create(Run{ID: id, ActionType: "opencode_serve", Summary: "refactor module X"}))

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.False(t, got.CancelRequested)

	now := time.Now().UTC()
	running := StatusRunning
	require.NoError(t, r.Apply(id, Update{Status: &running, StartedAt: &now}))

	completed := StatusCompleted
	result := "done: 3 files changed"
	require.NoError(t, r.Apply(id, Update{Status: &completed, CompletedAt: &now, ResultText: &result}))

	got, err = r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, result, got.ResultText)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	r := newTestRegistry(t)
	id := NewID()
	require.NoError(t, r.Create(Run{ID: id, ActionType: "opencode_serve"}))

	completed := StatusCompleted
	require.NoError(t, r.Apply(id, Update{Status: &completed}))

	running := StatusRunning
	err := r.Apply(id, Update{Status: &running})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	queued := StatusQueued
	err = r.Apply(id, Update{Status: &queued})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelQueuedRun(t *testing.T) {
	r := newTestRegistry(t)
	id := NewID()
	require.NoError(t, r.Create(Run{ID: id, ActionType: "opencode_serve"}))

	got, err := r.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.CancelRequested)

	// Cancel is idempotent on a terminal run.
	again, err := r.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestCancelAbortsInFlight(t *testing.T) {
	r := newTestRegistry(t)
	id := NewID()
	require.NoError(t, r.Create(Run{ID: id, ActionType: "opencode_serve"}))

	running := StatusRunning
	require.NoError(t, r.Apply(id, Update{Status: &running}))

	ctx, cancel := context.WithCancel(context.Background())
	r.RegisterAbort(id, cancel)

	_, err := r.Cancel(id)
	require.NoError(t, err)
	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel did not abort the in-flight context")
	}

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestCancelRacingCompletionReportsSettledRun(t *testing.T) {
	r := newTestRegistry(t)
	id := NewID()
	require.NoError(t, r.Create(Run{ID: id, ActionType: "opencode_serve"}))

	running := StatusRunning
	require.NoError(t, r.Apply(id, Update{Status: &running}))

	// The abort handle fires inside Cancel, after the flag write and before
	// the terminal write. A worker completing the run in that window must not
	// turn the cancel into an error.
	r.RegisterAbort(id, func() {
		completed := StatusCompleted
		now := time.Now().UTC()
		result := "finished just in time"
		require.NoError(t, r.Apply(id, Update{Status: &completed, CompletedAt: &now, ResultText: &result}))
	})

	got, err := r.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "finished just in time", got.ResultText)
	assert.True(t, got.CancelRequested)
}

func TestListNewestFirstCapped(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Create(Run{
			ID:         NewID(),
			ActionType: "opencode_serve",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			Summary:    "task",
		}))
	}

	got, err := r.List(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].CreatedAt.After(got[1].CreatedAt))
	assert.True(t, got[1].CreatedAt.After(got[2].CreatedAt))

	all, err := r.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestGetUnknownRun(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("run-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
