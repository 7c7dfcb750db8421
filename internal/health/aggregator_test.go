// ABOUTME: Tests for the heartbeat aggregator
// ABOUTME: Verifies bounded latency, timeout reporting, and status aggregation

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrenhq/warren/internal/workqueue"
)

type fakeCheck struct {
	name  string
	delay time.Duration
	err   error
}

func (c fakeCheck) Name() string { return c.name }

func (c fakeCheck) Run(ctx context.Context) (string, error) {
	select {
	case <-time.After(c.delay):
		return "done", c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestAggregator_AllHealthy(t *testing.T) {
	a := New(time.Second, time.Minute, nil,
		fakeCheck{name: "fast-a", delay: time.Millisecond},
		fakeCheck{name: "fast-b", delay: time.Millisecond},
	)

	snap := a.Heartbeat(t.Context())
	assert.Equal(t, StatusOK, snap.Status)
	require.Len(t, snap.Checks, 2)
	assert.True(t, snap.Checks["fast-a"].OK)
	assert.True(t, snap.Checks["fast-b"].OK)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestAggregator_SlowCheckDoesNotStallHeartbeat(t *testing.T) {
	// One check answers in 50ms, the other would take 5s; with a 200ms
	// timeout the snapshot arrives promptly, marking the slow check as
	// timed out and the aggregate as degraded.
	a := New(200*time.Millisecond, time.Minute, nil,
		fakeCheck{name: "fast", delay: 50 * time.Millisecond},
		fakeCheck{name: "wedged", delay: 5 * time.Second},
	)

	start := time.Now()
	snap := a.Heartbeat(t.Context())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "heartbeat must be bounded by the timeout")
	assert.Equal(t, StatusDegraded, snap.Status)

	require.Contains(t, snap.Checks, "fast")
	assert.True(t, snap.Checks["fast"].OK)

	require.Contains(t, snap.Checks, "wedged")
	assert.False(t, snap.Checks["wedged"].OK)
	assert.Equal(t, "timeout", snap.Checks["wedged"].Detail)
}

func TestAggregator_FailingCheckDegrades(t *testing.T) {
	a := New(time.Second, time.Minute, nil,
		fakeCheck{name: "ok", delay: time.Millisecond},
		fakeCheck{name: "sick", delay: time.Millisecond, err: errors.New("disk on fire")},
	)

	snap := a.Heartbeat(t.Context())
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.False(t, snap.Checks["sick"].OK)
	assert.Contains(t, snap.Checks["sick"].Detail, "disk on fire")
}

func TestAggregator_LastReturnsMostRecent(t *testing.T) {
	a := New(time.Second, time.Minute, nil, fakeCheck{name: "ok", delay: time.Millisecond})

	assert.True(t, a.Last().Timestamp.IsZero(), "no snapshot before the first heartbeat")

	snap := a.Heartbeat(t.Context())
	assert.Equal(t, snap.Timestamp, a.Last().Timestamp)
}

func TestAggregator_RunStopsOnCancel(t *testing.T) {
	a := New(time.Second, 5*time.Millisecond, nil, fakeCheck{name: "ok", delay: 0})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !a.Last().Timestamp.IsZero()
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop")
	}
}

func TestWorkqueueCheck(t *testing.T) {
	var counters workqueue.Counters
	counters.SetPending(3)
	counters.StartProcessing()

	detail, err := WorkqueueCheck{Counters: &counters}.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "3 pending, 1 in flight", detail)
}
