// ABOUTME: Concrete liveness checks for the registry, store, and work queue
// ABOUTME: Each implements the Check interface consumed by the aggregator

package health

import (
	"context"
	"fmt"

	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/workqueue"
)

// RegistryCheck reports how many sessions the registry is tracking.
type RegistryCheck struct {
	Registry *session.Registry
}

func (c RegistryCheck) Name() string { return "sessions" }

func (c RegistryCheck) Run(context.Context) (string, error) {
	return fmt.Sprintf("%d tracked", c.Registry.Count()), nil
}

// StoreCheck verifies the database answers a ping.
type StoreCheck struct {
	Store store.Store
}

func (c StoreCheck) Name() string { return "store" }

func (c StoreCheck) Run(ctx context.Context) (string, error) {
	if err := c.Store.Ping(ctx); err != nil {
		return "", fmt.Errorf("database ping: %w", err)
	}
	return "reachable", nil
}

// WorkqueueCheck reports dispatcher workload gauges.
type WorkqueueCheck struct {
	Counters *workqueue.Counters
}

func (c WorkqueueCheck) Name() string { return "workqueue" }

func (c WorkqueueCheck) Run(context.Context) (string, error) {
	return fmt.Sprintf("%d pending, %d in flight",
		c.Counters.Pending(), c.Counters.Processing()), nil
}
