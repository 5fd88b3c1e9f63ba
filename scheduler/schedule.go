// Package scheduler fires due scheduled tasks as planner turns in their
// owning chat. Schedules are cron expressions, fixed millisecond intervals,
// or one-shot RFC 3339 instants.
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/nanoclaw/store"
)

// ValidateSchedule checks a schedule at creation time: cron expressions must
// parse, intervals must be a positive integer millisecond count, one-shots
// must be RFC 3339.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if _, err := cron.ParseStandard(scheduleValue); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive integer millisecond count, got %q", scheduleValue)
		}
	case store.ScheduleOnce:
		if _, err := time.Parse(time.RFC3339, scheduleValue); err != nil {
			return fmt.Errorf("one-shot schedule must be RFC 3339, got %q: %w", scheduleValue, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// NextRun computes the next firing strictly after now. A one-shot in the past
// fires immediately (next = its instant); after it runs the task completes.
func NextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", scheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("invalid one-shot instant %q: %w", scheduleValue, err)
		}
		return &at, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
