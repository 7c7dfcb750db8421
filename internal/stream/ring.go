// ABOUTME: Bounded per-session ring of output chunks with monotonic sequence numbers
// ABOUTME: Single-writer, multi-reader; oldest chunks are evicted first

package stream

import (
	"sync"
	"time"
)

// Chunk is one unit of session output. Sequence numbers start at 1 and are
// strictly increasing per session, assigned at append time.
type Chunk struct {
	SessionID string
	Seq       uint64
	Payload   []byte
	Time      time.Time
}

// Ring retains the most recent chunks of one session's output. The retained
// window is always contiguous in sequence; once capacity is exceeded the
// oldest chunk is dropped.
type Ring struct {
	mu        sync.RWMutex
	sessionID string
	chunks    []Chunk
	capacity  int
	start     int
	count     int
	nextSeq   uint64
}

// NewRing creates a ring retaining up to capacity chunks.
func NewRing(sessionID string, capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		sessionID: sessionID,
		chunks:    make([]Chunk, capacity),
		capacity:  capacity,
		nextSeq:   1,
	}
}

// Append assigns the next sequence number to payload and stores it,
// evicting the oldest chunk if the ring is full. Returns the stored chunk.
func (r *Ring) Append(payload []byte) Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunk := Chunk{
		SessionID: r.sessionID,
		Seq:       r.nextSeq,
		Payload:   payload,
		Time:      time.Now().UTC(),
	}
	r.nextSeq++

	if r.count < r.capacity {
		r.chunks[(r.start+r.count)%r.capacity] = chunk
		r.count++
	} else {
		r.chunks[r.start] = chunk
		r.start = (r.start + 1) % r.capacity
	}
	return chunk
}

// Snapshot returns a copy of the retained window, oldest first, and the
// highest sequence number included (0 if the ring is empty).
func (r *Ring) Snapshot() ([]Chunk, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.window(r.count), r.highSeqLocked()
}

// Recent returns a copy of the newest n retained chunks, oldest first.
// If n exceeds the retained count the whole window is returned.
func (r *Ring) Recent(n int) []Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count || n < 0 {
		n = r.count
	}
	return r.window(n)
}

// window copies the newest n chunks under the held lock.
func (r *Ring) window(n int) []Chunk {
	out := make([]Chunk, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.chunks[(r.start+i)%r.capacity])
	}
	return out
}

// HighSeq returns the sequence of the newest chunk ever appended (0 if none).
func (r *Ring) HighSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.highSeqLocked()
}

func (r *Ring) highSeqLocked() uint64 {
	return r.nextSeq - 1
}

// Len returns the number of retained chunks.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
