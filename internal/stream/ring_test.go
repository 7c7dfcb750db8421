// ABOUTME: Tests for the bounded output ring buffer
// ABOUTME: Covers sequence assignment, FIFO eviction, and window reads

package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_AppendAssignsSequences(t *testing.T) {
	r := NewRing("s1", 10)

	for i := 1; i <= 5; i++ {
		chunk := r.Append([]byte(fmt.Sprintf("line-%d", i)))
		assert.Equal(t, uint64(i), chunk.Seq)
		assert.Equal(t, "s1", chunk.SessionID)
	}

	assert.Equal(t, uint64(5), r.HighSeq())
	assert.Equal(t, 5, r.Len())
}

func TestRing_SnapshotContainsAllWhenUnderCapacity(t *testing.T) {
	r := NewRing("s1", 10)
	for i := 1; i <= 5; i++ {
		r.Append([]byte(fmt.Sprintf("line-%d", i)))
	}

	window, high := r.Snapshot()
	require.Len(t, window, 5)
	assert.Equal(t, uint64(5), high)
	for i, chunk := range window {
		assert.Equal(t, uint64(i+1), chunk.Seq)
	}
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	// Capacity 3 with appends 1..5 retains exactly {3,4,5}.
	r := NewRing("s1", 3)
	for i := 1; i <= 5; i++ {
		r.Append([]byte(fmt.Sprintf("line-%d", i)))
	}

	window, high := r.Snapshot()
	require.Len(t, window, 3)
	assert.Equal(t, uint64(5), high)

	seqs := make([]uint64, 0, 3)
	for _, chunk := range window {
		seqs = append(seqs, chunk.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
}

func TestRing_WindowIsContiguous(t *testing.T) {
	r := NewRing("s1", 7)
	for i := 0; i < 100; i++ {
		r.Append([]byte("x"))

		window, _ := r.Snapshot()
		for j := 1; j < len(window); j++ {
			require.Equal(t, window[j-1].Seq+1, window[j].Seq,
				"retained window must be contiguous in sequence")
		}
	}
}

func TestRing_Recent(t *testing.T) {
	r := NewRing("s1", 10)
	for i := 1; i <= 6; i++ {
		r.Append([]byte(fmt.Sprintf("line-%d", i)))
	}

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(5), recent[0].Seq)
	assert.Equal(t, uint64(6), recent[1].Seq)

	// Asking for more than retained returns the whole window.
	assert.Len(t, r.Recent(100), 6)
	// Negative means everything.
	assert.Len(t, r.Recent(-1), 6)
}

func TestRing_EmptySnapshot(t *testing.T) {
	r := NewRing("s1", 4)

	window, high := r.Snapshot()
	assert.Empty(t, window)
	assert.Equal(t, uint64(0), high)
	assert.Equal(t, uint64(0), r.HighSeq())
}

func TestRing_ConcurrentReadersDoNotBlockWriter(t *testing.T) {
	r := NewRing("s1", 16)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
					r.Snapshot()
					r.Recent(8)
				}
			}
		})
	}

	for i := 0; i < 1000; i++ {
		r.Append([]byte("payload"))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, uint64(1000), r.HighSeq())
	assert.Equal(t, 16, r.Len())
}
