package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/nanoclaw/metrics"
	"github.com/c360studio/nanoclaw/router"
	"github.com/c360studio/nanoclaw/store"
)

// DefaultTickInterval is the scheduler period.
const DefaultTickInterval = 60 * time.Second

// TurnRunner runs a planner turn for a scheduled prompt.
type TurnRunner interface {
	RunScheduledTurn(ctx context.Context, chatID string, group router.RegisteredGroup, prompt string) error
}

// Config holds scheduler settings.
type Config struct {
	// Timezone evaluates cron expressions. Empty means UTC.
	Timezone string
	// TickInterval overrides the 60 s default.
	TickInterval time.Duration
}

// Scheduler drives due tasks to planner turns. Delivery is at-least-once: a
// failed turn keeps its next_run, so the next tick retries it.
type Scheduler struct {
	store  *store.Store
	state  *router.State
	runner TurnRunner
	logger *slog.Logger

	loc  *time.Location
	tick time.Duration
}

// New creates a scheduler. An unknown timezone falls back to UTC.
func New(cfg Config, st *store.Store, state *router.State, runner TurnRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("unknown timezone, using UTC", slog.String("timezone", cfg.Timezone))
		} else {
			loc = l
		}
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Scheduler{
		store:  st,
		state:  state,
		runner: runner,
		logger: logger,
		loc:    loc,
		tick:   tick,
	}
}

// Location returns the cron evaluation zone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Run blocks, firing due tasks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.TickOnce(ctx, time.Now())
		}
	}
}

// TickOnce fires every task due at now.
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("fetch due tasks failed", slog.String("error", err.Error()))
		return
	}
	for i := range due {
		s.fire(ctx, &due[i], now)
	}
}

// fire runs one task's planner turn and reschedules it.
func (s *Scheduler) fire(ctx context.Context, task *store.ScheduledTask, now time.Time) {
	chatID, group, ok := s.state.GroupByFolder(task.GroupFolder)
	if !ok {
		// The owning group is gone; park the task instead of retrying forever.
		s.logger.Warn("scheduled task has no registered group, pausing",
			slog.String("task_id", task.ID),
			slog.String("group_folder", task.GroupFolder))
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskPaused); err != nil {
			s.logger.Error("pause orphan task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		metrics.ScheduledTaskRuns.WithLabelValues("orphaned").Inc()
		return
	}
	if task.ChatJID != "" {
		chatID = task.ChatJID
	}

	if err := s.runner.RunScheduledTurn(ctx, chatID, group, task.Prompt); err != nil {
		// next_run stays put; the next tick retries.
		s.logger.Error("scheduled turn failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		metrics.ScheduledTaskRuns.WithLabelValues("failed").Inc()
		return
	}
	metrics.ScheduledTaskRuns.WithLabelValues("ok").Inc()

	if task.ScheduleType == store.ScheduleOnce {
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskCompleted); err != nil {
			s.logger.Error("complete one-shot task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		if err := s.store.SetTaskNextRun(task.ID, nil); err != nil {
			s.logger.Error("clear next_run failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		return
	}

	next, err := NextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
	if err != nil {
		s.logger.Error("reschedule failed, pausing task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskPaused); err != nil {
			s.logger.Error("pause task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		return
	}
	if err := s.store.SetTaskNextRun(task.ID, next); err != nil {
		s.logger.Error("persist next_run failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}
