// ABOUTME: Atomic gauges tracking scheduled-message backlog and in-flight work
// ABOUTME: Read by the health aggregator without touching the database

// Package workqueue tracks dispatcher workload with cheap atomic gauges.
package workqueue

import "sync/atomic"

// Counters tracks how much dispatch work is pending and in flight. All
// methods are safe for concurrent use.
type Counters struct {
	pending    atomic.Int64
	processing atomic.Int64
}

// SetPending replaces the pending backlog gauge.
func (c *Counters) SetPending(n int64) {
	c.pending.Store(n)
}

// Pending returns the scheduled-but-not-yet-attempted backlog.
func (c *Counters) Pending() int64 {
	return c.pending.Load()
}

// StartProcessing increments the in-flight gauge.
func (c *Counters) StartProcessing() {
	c.processing.Add(1)
}

// DoneProcessing decrements the in-flight gauge.
func (c *Counters) DoneProcessing() {
	c.processing.Add(-1)
}

// Processing returns the number of attempts currently in flight.
func (c *Counters) Processing() int64 {
	return c.processing.Load()
}
