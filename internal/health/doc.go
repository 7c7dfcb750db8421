// Package health aggregates component liveness checks into a single
// heartbeat snapshot.
//
// Checks run concurrently, each in its own goroutine, and the aggregate
// result is assembled under a hard timeout: a check that does not answer in
// time is reported as failed with a "timeout" detail instead of delaying the
// heartbeat. The snapshot therefore always returns within the configured
// check timeout plus scheduling slack, no matter how wedged a component is.
//
// The overall status is "ok" only when every check passed; any failure or
// timeout degrades it.
package health
