// ABOUTME: Recurrence parsing for scheduled messages
// ABOUTME: Accepts standard cron expressions or Go duration strings

package dispatch

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields occurrence times for a recurring message.
type Schedule interface {
	// Next returns the first occurrence strictly after t.
	Next(t time.Time) time.Time
}

type constantDelay struct {
	interval time.Duration
}

func (c constantDelay) Next(t time.Time) time.Time {
	return t.Add(c.interval)
}

// ParseRecurrence interprets expr as a standard 5-field cron expression,
// falling back to a Go duration string ("30s", "5m"). Returns an error for
// anything else; an empty expr is the caller's one-shot case, not ours.
func ParseRecurrence(expr string) (Schedule, error) {
	if sched, err := cron.ParseStandard(expr); err == nil {
		return sched, nil
	}

	interval, err := time.ParseDuration(expr)
	if err != nil {
		return nil, fmt.Errorf("recurrence %q is neither a cron expression nor a duration", expr)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("recurrence interval must be positive, got %s", interval)
	}
	return constantDelay{interval: interval}, nil
}

// NextOccurrence advances from the current occurrence's scheduled time to
// the first occurrence after now. Anchoring on scheduledFor keeps the cadence
// stable even when an occurrence is delivered late.
func NextOccurrence(sched Schedule, scheduledFor, now time.Time) time.Time {
	next := sched.Next(scheduledFor)
	for !next.After(now) {
		next = sched.Next(next)
	}
	return next
}
