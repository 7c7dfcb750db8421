// ABOUTME: Tests for the workload gauges
// ABOUTME: Verifies concurrent increments balance out

package workqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	var c Counters

	c.SetPending(7)
	assert.Equal(t, int64(7), c.Pending())

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			c.StartProcessing()
			c.DoneProcessing()
		})
	}
	wg.Wait()

	assert.Equal(t, int64(0), c.Processing())
}
