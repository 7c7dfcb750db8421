// Package stream fans out live session output to any number of observers.
//
// # Overview
//
// Each attached session gets a bounded ring of recent output chunks and a
// single pump goroutine draining the session handle's output channel. Chunks
// receive a strictly increasing per-session sequence number at append time.
//
// # Delivery guarantees
//
// A subscriber first receives a snapshot of the retained ring window tagged
// with its high-water sequence, then a confirmation, then live chunks in
// strictly increasing sequence order with no gaps and no duplicates. Snapshot
// construction and live fan-out are serialized per session, so a chunk
// produced during subscription lands exactly once: either inside the
// snapshot or on the live path.
//
// # Backpressure
//
// Producers never block on a subscriber. A subscriber whose bounded channel
// would overflow is disconnected with a backpressure error event; its peers
// and the ring are unaffected.
//
// # Pull fallback
//
// FetchRecent reads the same ring the push path writes, so polling clients
// and live subscribers observe one source of truth. Rings survive session
// termination until the registry's grace window expires.
package stream
