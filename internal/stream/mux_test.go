// ABOUTME: Tests for the stream multiplexer fan-out and subscription lifecycle
// ABOUTME: Covers ordering, late subscribe, backpressure disconnect, and pull fallback

package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(ringCap, subBuf int) (*Mux, chan []byte) {
	m := NewMux(Config{RingCapacity: ringCap, SubscriberBuffer: subBuf})
	out := make(chan []byte, 256)
	if err := m.Attach("s1", out); err != nil {
		panic(err)
	}
	return m, out
}

// collect reads events until the channel closes or the timeout fires.
func collect(t *testing.T, sub *Subscription, want int) []Event {
	t.Helper()
	events := make([]Event, 0, want)
	deadline := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(events), want)
		}
	}
	return events
}

func TestMux_SnapshotThenConfirmedThenLive(t *testing.T) {
	m, out := newTestMux(16, 8)
	defer m.Close()

	// Produce chunks 1..5 before anyone subscribes.
	for i := 1; i <= 5; i++ {
		out <- []byte(fmt.Sprintf("chunk-%d", i))
	}

	// Wait until the pump has drained the producer channel.
	require.Eventually(t, func() bool {
		chunks, err := m.FetchRecent("s1", -1)
		return err == nil && len(chunks) == 5
	}, time.Second, 5*time.Millisecond)

	sub, err := m.Subscribe("observer-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, SubConfirmed, sub.State())

	out <- []byte("chunk-6")

	events := collect(t, sub, 3)

	require.Equal(t, KindSnapshot, events[0].Kind)
	require.Len(t, events[0].Snapshot, 5)
	assert.Equal(t, uint64(5), events[0].HighSeq)
	for i, chunk := range events[0].Snapshot {
		assert.Equal(t, uint64(i+1), chunk.Seq, "snapshot contains 1..5 exactly once")
	}

	assert.Equal(t, KindConfirmed, events[1].Kind)

	require.Equal(t, KindChunk, events[2].Kind)
	assert.Equal(t, uint64(6), events[2].Chunk.Seq)
	assert.Equal(t, []byte("chunk-6"), events[2].Chunk.Payload)
}

func TestMux_LateSubscribeSeesBoundedWindow(t *testing.T) {
	// Ring capacity 3, appends 1..5: snapshot is exactly {3,4,5}.
	m, out := newTestMux(3, 8)
	defer m.Close()

	for i := 1; i <= 5; i++ {
		out <- []byte(fmt.Sprintf("chunk-%d", i))
	}
	require.Eventually(t, func() bool {
		chunks, err := m.FetchRecent("s1", -1)
		return err == nil && len(chunks) == 3 && chunks[2].Seq == 5
	}, time.Second, 5*time.Millisecond)

	sub, err := m.Subscribe("observer-1", "s1")
	require.NoError(t, err)

	events := collect(t, sub, 2)
	require.Equal(t, KindSnapshot, events[0].Kind)

	seqs := make([]uint64, 0, 3)
	for _, chunk := range events[0].Snapshot {
		seqs = append(seqs, chunk.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
	assert.Equal(t, uint64(5), events[0].HighSeq)
}

func TestMux_NoGapNoDuplicateAcrossSubscribe(t *testing.T) {
	m, out := newTestMux(1024, 1024)
	defer m.Close()

	// Keep producing while a subscriber joins mid-stream; every sequence
	// after the snapshot high-water mark must arrive exactly once.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			out <- []byte("x")
		}
	}()

	time.Sleep(5 * time.Millisecond)
	sub, err := m.Subscribe("observer-1", "s1")
	require.NoError(t, err)
	<-done

	// Drain: snapshot + confirmed + live chunks until seq 500 arrives.
	var high uint64
	next := uint64(0)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			switch ev.Kind {
			case KindSnapshot:
				for i, chunk := range ev.Snapshot {
					require.Equal(t, uint64(i+1), chunk.Seq)
				}
				high = ev.HighSeq
				next = high + 1
			case KindChunk:
				require.Equal(t, next, ev.Chunk.Seq, "live chunks are gap-free after snapshot")
				next++
			case KindError:
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
			if next == 501 {
				assert.Equal(t, uint64(500), sub.LastDelivered())
				return
			}
		case <-deadline:
			t.Fatalf("timed out at seq %d (snapshot high %d)", next, high)
		}
	}
}

func TestMux_SlowSubscriberGetsBackpressureError(t *testing.T) {
	m, out := newTestMux(4096, 4)
	defer m.Close()

	slow, err := m.Subscribe("slow", "s1")
	require.NoError(t, err)

	fast, err := m.Subscribe("fast", "s1")
	require.NoError(t, err)

	// Drain the fast subscriber concurrently; never read from slow.
	fastSeqs := make(chan uint64, 2048)
	go func() {
		for ev := range fast.Events() {
			if ev.Kind == KindChunk {
				fastSeqs <- ev.Chunk.Seq
			}
		}
		close(fastSeqs)
	}()

	for i := 0; i < 1000; i++ {
		out <- []byte("payload")
	}

	// The slow subscriber is force-closed with a backpressure error.
	var sawBackpressure bool
	deadline := time.After(2 * time.Second)
	for !sawBackpressure {
		select {
		case ev, ok := <-slow.Events():
			if !ok {
				t.Fatal("slow subscriber channel closed without backpressure error event")
			}
			if ev.Kind == KindError {
				assert.ErrorIs(t, ev.Err, ErrBackpressure)
				sawBackpressure = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for backpressure error")
		}
	}
	assert.Equal(t, SubClosed, slow.State())

	// The fast subscriber receives all 1000 chunks, in order.
	var prev uint64
	count := 0
	timeout := time.After(2 * time.Second)
	for count < 1000 {
		select {
		case seq := <-fastSeqs:
			require.Equal(t, prev+1, seq)
			prev = seq
			count++
		case <-timeout:
			t.Fatalf("fast subscriber received only %d of 1000 chunks", count)
		}
	}
}

func TestMux_SubscribeUnknownSession(t *testing.T) {
	m := NewMux(Config{RingCapacity: 8, SubscriberBuffer: 8})
	defer m.Close()

	_, err := m.Subscribe("observer-1", "ghost")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMux_SubscribeAfterSessionEnd(t *testing.T) {
	m, out := newTestMux(8, 8)
	defer m.Close()

	close(out)

	require.Eventually(t, func() bool {
		_, err := m.Subscribe("observer-1", "s1")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	// The ring is still readable for trailing pulls.
	_, err := m.FetchRecent("s1", 10)
	assert.NoError(t, err)
}

func TestMux_SessionEndFailsOpenSubscriptions(t *testing.T) {
	m, out := newTestMux(8, 8)
	defer m.Close()

	sub, err := m.Subscribe("observer-1", "s1")
	require.NoError(t, err)

	// Drain snapshot + confirmation.
	collect(t, sub, 2)

	close(out)

	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "expected an error event before close")
		assert.Equal(t, KindError, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrSessionEnded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session-end error")
	}
}

func TestMux_UnsubscribeStopsDelivery(t *testing.T) {
	m, out := newTestMux(8, 8)
	defer m.Close()

	sub, err := m.Subscribe("observer-1", "s1")
	require.NoError(t, err)
	collect(t, sub, 2)

	m.Unsubscribe("s1", sub.ID)

	// Channel closes cleanly, without an error event.
	select {
	case ev, ok := <-sub.Events():
		assert.False(t, ok, "expected closed channel, got event %+v", ev)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Other subscribers and the ring are unaffected.
	out <- []byte("after-unsub")
	require.Eventually(t, func() bool {
		chunks, err := m.FetchRecent("s1", -1)
		return err == nil && len(chunks) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.SubscriberCount("s1"))
}

func TestMux_FetchRecentWithoutSubscription(t *testing.T) {
	m, out := newTestMux(8, 8)
	defer m.Close()

	for i := 1; i <= 4; i++ {
		out <- []byte(fmt.Sprintf("chunk-%d", i))
	}
	require.Eventually(t, func() bool {
		chunks, _ := m.FetchRecent("s1", -1)
		return len(chunks) == 4
	}, time.Second, 5*time.Millisecond)

	chunks, err := m.FetchRecent("s1", 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(3), chunks[0].Seq)
	assert.Equal(t, uint64(4), chunks[1].Seq)

	_, err = m.FetchRecent("ghost", 2)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMux_DropRemovesRing(t *testing.T) {
	m, out := newTestMux(8, 8)
	defer m.Close()

	out <- []byte("chunk")
	require.Eventually(t, func() bool {
		chunks, _ := m.FetchRecent("s1", -1)
		return len(chunks) == 1
	}, time.Second, 5*time.Millisecond)

	m.Drop("s1")

	_, err := m.FetchRecent("s1", 1)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMux_ActivityCallback(t *testing.T) {
	touched := make(chan string, 8)
	m := NewMux(Config{
		RingCapacity:     8,
		SubscriberBuffer: 8,
		OnActivity:       func(id string) { touched <- id },
	})
	defer m.Close()

	out := make(chan []byte, 8)
	require.NoError(t, m.Attach("s1", out))

	out <- []byte("chunk")

	select {
	case id := <-touched:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("activity callback not invoked")
	}
}

func TestMux_AttachDuplicate(t *testing.T) {
	m, _ := newTestMux(8, 8)
	defer m.Close()

	err := m.Attach("s1", make(chan []byte))
	assert.Error(t, err)
}
