// ABOUTME: Heartbeat aggregator running component checks with a bounded deadline
// ABOUTME: Slow checks are reported as timed out rather than stalling the snapshot

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the aggregate heartbeat verdict.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Check is one component liveness probe.
type Check interface {
	Name() string
	// Run returns a human-readable detail and an error when unhealthy. It
	// must respect ctx; the aggregator will not wait past its deadline.
	Run(ctx context.Context) (string, error)
}

// CheckResult is one check's contribution to a snapshot.
type CheckResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// Snapshot is one aggregated heartbeat. On the wire the per-check map is
// named "summary".
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"summary"`
}

// Aggregator fans checks out and assembles snapshots.
type Aggregator struct {
	checks   []Check
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last Snapshot
}

// New creates an aggregator. timeout bounds each heartbeat; interval paces
// the background loop started by Run.
func New(timeout, interval time.Duration, logger *slog.Logger, checks ...Check) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		checks:   checks,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "health"),
	}
}

// Heartbeat runs all checks concurrently and returns the aggregate within
// the configured timeout. Checks still running at the deadline are recorded
// as failed with a "timeout" detail; their goroutines are abandoned to
// finish on their own.
func (a *Aggregator) Heartbeat(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		name string
		res  CheckResult
	}
	results := make(chan outcome, len(a.checks))

	for _, check := range a.checks {
		go func() {
			start := time.Now()
			detail, err := check.Run(ctx)
			res := CheckResult{
				OK:        err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
				Detail:    detail,
			}
			if err != nil {
				res.Detail = err.Error()
			}
			results <- outcome{name: check.Name(), res: res}
		}()
	}

	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Status:    StatusOK,
		Checks:    make(map[string]CheckResult, len(a.checks)),
	}

collect:
	for range a.checks {
		select {
		case out := <-results:
			snap.Checks[out.name] = out.res
		case <-ctx.Done():
			break collect
		}
	}

	for _, check := range a.checks {
		if _, answered := snap.Checks[check.Name()]; !answered {
			snap.Checks[check.Name()] = CheckResult{
				OK:        false,
				LatencyMS: a.timeout.Milliseconds(),
				Detail:    "timeout",
			}
		}
	}

	for _, res := range snap.Checks {
		if !res.OK {
			snap.Status = StatusDegraded
			break
		}
	}

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()
	return snap
}

// Last returns the most recent snapshot, zero-valued before the first
// heartbeat.
func (a *Aggregator) Last() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Run heartbeats on the configured interval until ctx is cancelled. Degraded
// snapshots are logged with the failing checks.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := a.Heartbeat(ctx)
			if snap.Status != StatusOK {
				for name, res := range snap.Checks {
					if !res.OK {
						a.logger.Warn("health check failing",
							"check", name, "detail", res.Detail, "latency_ms", res.LatencyMS)
					}
				}
			}
		}
	}
}
