// Package dispatch delivers scheduled messages to live sessions.
//
// # Lifecycle
//
// The dispatcher polls the store on a fixed tick for messages whose
// next_attempt_at has passed, resolves each target to a live session handle,
// and writes the payload under a per-attempt timeout. Every attempt is
// recorded in the append-only delivery log regardless of outcome.
//
// Failed attempts are retried with capped exponential backoff until the
// attempt budget is exhausted, at which point the message is marked failed.
// Recurring messages compute their next occurrence from the scheduled time
// of the current one, never from the delivery time, so late deliveries do
// not drift the schedule.
//
// # Concurrency
//
// Attempts run in their own goroutines. An in-flight set keyed by message ID
// guarantees at most one concurrent attempt per message even when an attempt
// outlives a tick.
package dispatch
