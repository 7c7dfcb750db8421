// ABOUTME: Multiplexer fanning out one session's output to N subscribed observers
// ABOUTME: Guarantees gap-free, duplicate-free delivery and disconnects slow consumers

package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSession indicates no attached (or still-readable) session with that ID.
var ErrUnknownSession = errors.New("unknown session")

// ErrBackpressure indicates a subscription was force-closed because its
// delivery channel would have overflowed.
var ErrBackpressure = errors.New("subscriber too slow: backpressure")

// ErrSessionEnded indicates the session terminated while subscriptions were open.
var ErrSessionEnded = errors.New("session ended")

// EventKind discriminates subscription events.
type EventKind int

const (
	// KindSnapshot carries the retained ring window, sent first after subscribe.
	KindSnapshot EventKind = iota
	// KindConfirmed acknowledges the subscription; live chunks follow.
	KindConfirmed
	// KindChunk carries one live output chunk.
	KindChunk
	// KindError terminates the subscription; the channel is closed after it.
	KindError
)

// Event is a single delivery to a subscriber.
type Event struct {
	Kind      EventKind
	SessionID string
	Chunk     Chunk   // KindChunk
	Snapshot  []Chunk // KindSnapshot, oldest first
	HighSeq   uint64  // KindSnapshot: highest sequence included (0 if empty)
	Err       error   // KindError
	Time      time.Time
}

// SubState is the lifecycle state of a subscription.
type SubState int32

const (
	SubPending SubState = iota
	SubConfirmed
	SubClosed
)

// Subscription is one observer's attachment to a session's output.
type Subscription struct {
	ID        string
	Observer  string
	SessionID string

	events    chan Event
	state     atomic.Int32
	lastSeq   atomic.Uint64
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed after an error event or
// unsubscribe; consumers must treat closure as end of stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// State returns the subscription's current state.
func (s *Subscription) State() SubState {
	return SubState(s.state.Load())
}

// LastDelivered returns the sequence of the newest chunk handed to the
// subscription's channel (snapshot high-water mark counts).
func (s *Subscription) LastDelivered() uint64 {
	return s.lastSeq.Load()
}

// fail delivers a terminal error event and closes the channel. The caller
// must already have removed the subscription from its feed, making this the
// only remaining sender.
func (s *Subscription) fail(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SubClosed))
		// Make room for the terminal event if the queue is at capacity.
		select {
		case <-s.events:
		default:
		}
		s.events <- Event{
			Kind:      KindError,
			SessionID: s.SessionID,
			Err:       err,
			Time:      time.Now().UTC(),
		}
		close(s.events)
	})
}

// close shuts the channel without an error event (clean unsubscribe).
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SubClosed))
		close(s.events)
	})
}

// feed is the per-session fan-out state. Its mutex serializes ring appends
// with subscription changes so a snapshot and the live stream can never
// overlap or leave a gap.
type feed struct {
	sessionID string
	ring      *Ring

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// Config holds multiplexer tunables.
type Config struct {
	// RingCapacity is the number of chunks retained per session.
	RingCapacity int
	// SubscriberBuffer is the per-subscriber live-chunk queue bound.
	SubscriberBuffer int
	// OnActivity, if set, is invoked for every chunk a session produces.
	OnActivity func(sessionID string)
	// Logger may be nil for the default.
	Logger *slog.Logger
}

// Mux fans out attached sessions' output to subscribers and serves the
// pull-fallback read path from the same rings.
type Mux struct {
	mu    sync.RWMutex
	feeds map[string]*feed

	ringCap    int
	subBuf     int
	onActivity func(string)
	logger     *slog.Logger

	pumps sync.WaitGroup
}

// NewMux creates a multiplexer.
func NewMux(cfg Config) *Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 1
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 1
	}
	return &Mux{
		feeds:      make(map[string]*feed),
		ringCap:    cfg.RingCapacity,
		subBuf:     cfg.SubscriberBuffer,
		onActivity: cfg.OnActivity,
		logger:     logger.With("component", "stream-mux"),
	}
}

// Attach starts pumping the given output channel into a fresh ring for the
// session. Fails if the session is already attached.
func (m *Mux) Attach(sessionID string, output <-chan []byte) error {
	f := &feed{
		sessionID: sessionID,
		ring:      NewRing(sessionID, m.ringCap),
		subs:      make(map[string]*Subscription),
	}

	m.mu.Lock()
	if _, exists := m.feeds[sessionID]; exists {
		m.mu.Unlock()
		return errors.New("session already attached")
	}
	m.feeds[sessionID] = f
	m.mu.Unlock()

	m.pumps.Add(1)
	go m.pump(f, output)

	m.logger.Debug("session attached", "session_id", sessionID)
	return nil
}

// pump drains one session's output into its ring and fans chunks out to
// confirmed subscribers. Exits when the output channel closes.
func (m *Mux) pump(f *feed, output <-chan []byte) {
	defer m.pumps.Done()

	for payload := range output {
		f.mu.Lock()
		chunk := f.ring.Append(payload)

		var dropped []*Subscription
		for id, sub := range f.subs {
			select {
			case sub.events <- Event{
				Kind:      KindChunk,
				SessionID: f.sessionID,
				Chunk:     chunk,
				Time:      chunk.Time,
			}:
				sub.lastSeq.Store(chunk.Seq)
			default:
				// Slow consumer: disconnect it rather than block the pump.
				delete(f.subs, id)
				dropped = append(dropped, sub)
			}
		}
		f.mu.Unlock()

		for _, sub := range dropped {
			sub.fail(ErrBackpressure)
			m.logger.Warn("subscriber disconnected",
				"session_id", f.sessionID,
				"observer", sub.Observer,
				"sub_id", sub.ID,
				"reason", "backpressure",
			)
		}

		if m.onActivity != nil {
			m.onActivity(f.sessionID)
		}
	}

	// Output closed: the session is gone. Subscribers get a terminal error;
	// the ring stays readable until Drop.
	m.closeFeed(f)
}

// closeFeed marks the feed closed and fails any remaining subscriptions.
func (m *Mux) closeFeed(f *feed) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*Subscription, 0, len(f.subs))
	for id, sub := range f.subs {
		delete(f.subs, id)
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrSessionEnded)
	}
	if len(subs) > 0 {
		m.logger.Debug("closed subscriptions on session end",
			"session_id", f.sessionID, "count", len(subs))
	}
}

// CloseSession stops deliveries for a session without removing its ring, so
// trailing pull reads keep working during the grace window. Safe to call
// concurrently with the pump ending on its own.
func (m *Mux) CloseSession(sessionID string) {
	m.mu.RLock()
	f, ok := m.feeds[sessionID]
	m.mu.RUnlock()
	if ok {
		m.closeFeed(f)
	}
}

// Drop removes a session's feed and ring entirely (post-grace eviction).
func (m *Mux) Drop(sessionID string) {
	m.mu.Lock()
	f, ok := m.feeds[sessionID]
	delete(m.feeds, sessionID)
	m.mu.Unlock()
	if ok {
		m.closeFeed(f)
	}
}

// Subscribe attaches an observer to a session's output. The returned
// subscription's channel delivers, in order: a snapshot of the retained
// window, a confirmation, then live chunks. Fails with ErrUnknownSession for
// unattached or ended sessions; no dangling subscription is created.
func (m *Mux) Subscribe(observerID, sessionID string) (*Subscription, error) {
	m.mu.RLock()
	f, ok := m.feeds[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrUnknownSession
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		Observer:  observerID,
		SessionID: sessionID,
		// +2 reserves room for the snapshot and confirmation events.
		events: make(chan Event, m.subBuf+2),
	}
	sub.state.Store(int32(SubPending))

	// The feed lock excludes the pump, so nothing can land between the
	// snapshot and the first live chunk: the subscriber sees no gap and no
	// duplicate.
	snapshot, high := f.ring.Snapshot()
	now := time.Now().UTC()
	sub.events <- Event{
		Kind:      KindSnapshot,
		SessionID: sessionID,
		Snapshot:  snapshot,
		HighSeq:   high,
		Time:      now,
	}
	sub.lastSeq.Store(high)
	sub.state.Store(int32(SubConfirmed))
	sub.events <- Event{Kind: KindConfirmed, SessionID: sessionID, Time: now}

	f.subs[sub.ID] = sub

	m.logger.Debug("subscriber added",
		"session_id", sessionID,
		"observer", observerID,
		"sub_id", sub.ID,
		"snapshot_high", high,
	)
	return sub, nil
}

// Unsubscribe detaches a subscription. No-op for unknown IDs.
func (m *Mux) Unsubscribe(sessionID, subID string) {
	m.mu.RLock()
	f, ok := m.feeds[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	f.mu.Lock()
	sub, exists := f.subs[subID]
	delete(f.subs, subID)
	f.mu.Unlock()

	if exists {
		sub.close()
		m.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
	}
}

// FetchRecent returns the newest lastN retained chunks for a session,
// oldest first. Works without a subscription and after session end, until
// the feed is dropped.
func (m *Mux) FetchRecent(sessionID string, lastN int) ([]Chunk, error) {
	m.mu.RLock()
	f, ok := m.feeds[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return f.ring.Recent(lastN), nil
}

// SubscriberCount returns the number of live subscriptions for a session.
func (m *Mux) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	f, ok := m.feeds[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close fails all subscriptions and waits for pumps whose output channels
// have closed. Callers should terminate session handles first.
func (m *Mux) Close() {
	m.mu.Lock()
	feeds := make([]*feed, 0, len(m.feeds))
	for id, f := range m.feeds {
		delete(m.feeds, id)
		feeds = append(feeds, f)
	}
	m.mu.Unlock()

	for _, f := range feeds {
		m.closeFeed(f)
	}
	m.pumps.Wait()
}
