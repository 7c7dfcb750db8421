// ABOUTME: Tests for recurrence expression parsing and occurrence math
// ABOUTME: Covers cron expressions, duration strings, and schedule anchoring

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecurrence_Cron(t *testing.T) {
	sched, err := ParseRecurrence("*/5 * * * *")
	require.NoError(t, err)

	at := time.Date(2026, 8, 23, 12, 1, 0, 0, time.UTC)
	next := sched.Next(at)
	assert.Equal(t, time.Date(2026, 8, 23, 12, 5, 0, 0, time.UTC), next)
}

func TestParseRecurrence_Duration(t *testing.T) {
	sched, err := ParseRecurrence("90s")
	require.NoError(t, err)

	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(90*time.Second), sched.Next(at))
}

func TestParseRecurrence_Invalid(t *testing.T) {
	_, err := ParseRecurrence("every tuesday")
	assert.Error(t, err)

	_, err = ParseRecurrence("-5m")
	assert.Error(t, err)
}

func TestNextOccurrence_AnchorsOnScheduledTime(t *testing.T) {
	sched, err := ParseRecurrence("1m")
	require.NoError(t, err)

	scheduledFor := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	// Delivery ran late, 3.5 minutes after the occurrence it belonged to.
	// The next occurrence stays on the original cadence.
	now := scheduledFor.Add(3*time.Minute + 30*time.Second)
	next := NextOccurrence(sched, scheduledFor, now)
	assert.Equal(t, scheduledFor.Add(4*time.Minute), next)

	// On-time delivery advances exactly one interval.
	next = NextOccurrence(sched, scheduledFor, scheduledFor.Add(time.Second))
	assert.Equal(t, scheduledFor.Add(time.Minute), next)
}
