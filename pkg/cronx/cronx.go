// Package cronx wraps cron expression parsing for six-field schedules
// (seconds precision) used across the project.
package cronx

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses a six-field cron expression (or @-descriptor) into a schedule.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("op=cronx.Parse: %w", err)
	}
	return sched, nil
}

// Validate checks that expr parses and, unless allowSubMinute is set, that it
// never fires more often than once per minute.
func Validate(expr string, allowSubMinute bool) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	if allowSubMinute {
		return nil
	}
	// Probe a handful of successive firings; any gap under a minute means
	// the expression uses seconds-level frequency.
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := sched.Next(ref)
	for i := 0; i < 4; i++ {
		if prev.IsZero() {
			return nil
		}
		next := sched.Next(prev)
		if next.IsZero() {
			return nil
		}
		if next.Sub(prev) < time.Minute {
			return fmt.Errorf("op=cronx.Validate: expression %q fires more than once per minute", expr)
		}
		prev = next
	}
	return nil
}

// Next returns the first firing of expr strictly after the given time, in UTC.
// A zero time is returned when the schedule has no future firings.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()).UTC(), nil
}

// ImmediateWindow is how far into the future a one-time executeAt may land
// and still be dispatched on the next tick rather than scheduled.
const ImmediateWindow = 5 * time.Second

// NormalizeExecuteAt clamps a one-time execution timestamp: values in the
// past or within ImmediateWindow of now collapse to now so the dispatcher
// picks them up on its next tick.
func NormalizeExecuteAt(executeAt, now time.Time) time.Time {
	if executeAt.Before(now.Add(ImmediateWindow)) {
		return now.UTC()
	}
	return executeAt.UTC()
}
