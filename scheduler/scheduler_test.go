package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/nanoclaw/router"
	"github.com/c360studio/nanoclaw/store"
)

type fakeRunner struct {
	calls   []string
	chatIDs []string
	err     error
}

func (f *fakeRunner) RunScheduledTurn(_ context.Context, chatID string, _ router.RegisteredGroup, prompt string) error {
	f.calls = append(f.calls, prompt)
	f.chatIDs = append(f.chatIDs, chatID)
	return f.err
}

func newTestScheduler(t *testing.T, cfg Config, runner TurnRunner) (*Scheduler, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	state, err := router.LoadState(dir)
	require.NoError(t, err)
	require.NoError(t, state.RegisterGroup("main@chat", router.RegisteredGroup{Name: "Main", Folder: "main"}))

	return New(cfg, st, state, runner, nil), st
}

func createTask(t *testing.T, st *store.Store, id, scheduleType, scheduleValue string, next time.Time) {
	t.Helper()
	n := next
	require.NoError(t, st.CreateTask(store.ScheduledTask{
		ID:            id,
		GroupFolder:   "main",
		ChatJID:       "main@chat",
		Prompt:        "check disk",
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		Status:        store.TaskActive,
		NextRun:       &n,
	}))
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name          string
		scheduleType  string
		scheduleValue string
		wantErr       bool
	}{
		{"valid cron", store.ScheduleCron, "0 9 * * *", false},
		{"invalid cron", store.ScheduleCron, "not a cron", true},
		{"valid interval", store.ScheduleInterval, "60000", false},
		{"zero interval", store.ScheduleInterval, "0", true},
		{"negative interval", store.ScheduleInterval, "-5", true},
		{"non-numeric interval", store.ScheduleInterval, "soon", true},
		{"valid once", store.ScheduleOnce, "2026-09-01T09:00:00Z", false},
		{"invalid once", store.ScheduleOnce, "tomorrow", true},
		{"unknown type", "weekly", "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchedule(tt.scheduleType, tt.scheduleValue)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextRunCronInTimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 2026-03-02 is a Monday; 10:00 UTC is 11:00 in Berlin, so the next 09:00
	// Berlin firing is the following day.
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	next, err := NextRun(store.ScheduleCron, "0 9 * * *", now, berlin)
	require.NoError(t, err)
	want := time.Date(2026, 3, 3, 9, 0, 0, 0, berlin)
	assert.True(t, next.Equal(want), "got %s want %s", next, want)
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	next, err := NextRun(store.ScheduleInterval, "90000", now, nil)
	require.NoError(t, err)
	assert.True(t, next.Equal(now.Add(90*time.Second)))
}

func TestTickFiresDueCronTask(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, Config{}, runner)

	now := time.Now().UTC()
	createTask(t, st, "task-1", store.ScheduleCron, "0 9 * * *", now.Add(-time.Minute))

	s.TickOnce(context.Background(), now)

	require.Equal(t, []string{"check disk"}, runner.calls)
	assert.Equal(t, []string{"main@chat"}, runner.chatIDs)

	task, err := st.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskActive, task.Status)
	require.NotNil(t, task.NextRun)
	assert.True(t, task.NextRun.After(now))
}

func TestOneShotCompletes(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, Config{}, runner)

	now := time.Now().UTC()
	createTask(t, st, "task-once", store.ScheduleOnce, now.Add(-time.Minute).Format(time.RFC3339), now.Add(-time.Minute))

	s.TickOnce(context.Background(), now)
	require.Len(t, runner.calls, 1)

	task, err := st.GetTask("task-once")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Nil(t, task.NextRun)

	// Completed tasks never fire again.
	s.TickOnce(context.Background(), now.Add(time.Hour))
	assert.Len(t, runner.calls, 1)
}

func TestFailedTurnRetriesNextTick(t *testing.T) {
	runner := &fakeRunner{err: errors.New("planner down")}
	s, st := newTestScheduler(t, Config{}, runner)

	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	createTask(t, st, "task-retry", store.ScheduleInterval, "60000", due)

	s.TickOnce(context.Background(), now)
	require.Len(t, runner.calls, 1)

	// next_run untouched, so the next tick retries.
	task, err := st.GetTask("task-retry")
	require.NoError(t, err)
	require.NotNil(t, task.NextRun)
	assert.True(t, task.NextRun.Equal(due) || task.NextRun.Before(now))

	runner.err = nil
	s.TickOnce(context.Background(), now.Add(time.Second))
	require.Len(t, runner.calls, 2)

	task, err = st.GetTask("task-retry")
	require.NoError(t, err)
	require.NotNil(t, task.NextRun)
	assert.True(t, task.NextRun.After(now))
}

func TestOrphanTaskPaused(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, Config{}, runner)

	now := time.Now().UTC()
	require.NoError(t, st.CreateTask(store.ScheduledTask{
		ID:            "task-orphan",
		GroupFolder:   "gone",
		Prompt:        "x",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		Status:        store.TaskActive,
		NextRun:       &now,
	}))

	s.TickOnce(context.Background(), now.Add(time.Second))
	assert.Empty(t, runner.calls)

	task, err := st.GetTask("task-orphan")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPaused, task.Status)
}
