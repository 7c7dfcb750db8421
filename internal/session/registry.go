// ABOUTME: Registry is the authoritative map of session ID to handle and metadata.
// ABOUTME: Owns all session state transitions and grace-period eviction of terminated sessions.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicate indicates a non-terminated session with the same ID already exists.
var ErrDuplicate = errors.New("session already registered")

// ErrNotFound indicates the specified session was not found.
var ErrNotFound = errors.New("session not found")

// State is the lifecycle state of a session.
type State string

const (
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Session is the registry's record for one agent session. Mutated only by
// the registry; callers receive value copies via Info.
type Session struct {
	ID             string
	Owner          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	State          State

	handle        Handle
	terminateOnce sync.Once
	evict         *time.Timer
}

// Info is a read-only snapshot of a session's metadata.
type Info struct {
	ID             string
	Owner          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	State          State
}

// Registry coordinates all registered sessions. It is the single writer of
// session state; concurrent reads go through the RWMutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	grace  time.Duration
	logger *slog.Logger

	// Lifecycle hooks, invoked outside the registry lock.
	onTerminate []func(id string)
	onEvict     []func(id string)
}

// NewRegistry creates a registry. Terminated sessions remain queryable for
// the grace duration before eviction. Pass nil logger for default.
func NewRegistry(grace time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		grace:    grace,
		logger:   logger.With("component", "session-registry"),
	}
}

// OnTerminate registers a hook invoked after a session transitions to
// terminated. Must be called before sessions are registered.
func (r *Registry) OnTerminate(fn func(id string)) {
	r.onTerminate = append(r.onTerminate, fn)
}

// OnEvict registers a hook invoked after a terminated session is evicted.
// Must be called before sessions are registered.
func (r *Registry) OnEvict(fn func(id string)) {
	r.onEvict = append(r.onEvict, fn)
}

// Register adds a new session backed by the given handle.
// Returns ErrDuplicate if a non-terminated session with the same ID exists.
// A terminated session still inside its grace window is replaced.
func (r *Registry) Register(id string, handle Handle, owner string) (Info, error) {
	r.mu.Lock()

	if existing, ok := r.sessions[id]; ok {
		if existing.State != StateTerminated {
			r.mu.Unlock()
			return Info{}, ErrDuplicate
		}
		// Re-registration over a terminated entry: cancel its pending eviction.
		if existing.evict != nil {
			existing.evict.Stop()
		}
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             id,
		Owner:          owner,
		CreatedAt:      now,
		LastActivityAt: now,
		State:          StateStarting,
		handle:         handle,
	}
	r.sessions[id] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", id,
		"owner", owner,
		"total_sessions", total,
	)
	return sess.info(), nil
}

// Lookup returns a snapshot of the session's metadata.
// Terminated sessions inside their grace window are still returned.
func (r *Registry) Lookup(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return sess.info(), nil
}

// Live returns the handle for a non-terminated session.
// Returns ErrNotFound for unknown or terminated sessions.
func (r *Registry) Live(id string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok || sess.State == StateTerminated {
		return nil, ErrNotFound
	}
	return sess.handle, nil
}

// Activate transitions a session from starting to active.
// Activating an already-active session is a no-op.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok || sess.State == StateTerminated {
		return ErrNotFound
	}
	sess.State = StateActive
	return nil
}

// Touch updates a session's last-activity timestamp. Unknown IDs are ignored:
// output can trail in after termination and eviction.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		sess.LastActivityAt = time.Now().UTC()
	}
}

// Terminate transitions a session to terminated, stops the underlying handle,
// and schedules eviction after the grace window. Idempotent: terminating an
// already-terminated session succeeds without repeating the handle side effect.
// Returns ErrNotFound only for IDs the registry has never seen or already evicted.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()

	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	alreadyTerminated := sess.State == StateTerminated
	if !alreadyTerminated {
		sess.State = StateTerminated
		sess.evict = time.AfterFunc(r.grace, func() { r.evictSession(id) })
	}
	r.mu.Unlock()

	if alreadyTerminated {
		return nil
	}

	sess.terminateOnce.Do(func() {
		if err := sess.handle.Terminate(); err != nil {
			r.logger.Warn("handle terminate failed", "session_id", id, "error", err)
		}
	})

	r.logger.Info("session terminated", "session_id", id, "grace", r.grace)

	for _, fn := range r.onTerminate {
		fn(id)
	}
	return nil
}

// evictSession removes a terminated session after its grace window.
func (r *Registry) evictSession(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.State != StateTerminated {
		// Re-registered during the grace window; nothing to evict.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.logger.Debug("session evicted", "session_id", id)

	for _, fn := range r.onEvict {
		fn(id)
	}
}

// List returns snapshots of all sessions, optionally filtered by owner.
func (r *Registry) List(owner string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if owner != "" && sess.Owner != owner {
			continue
		}
		infos = append(infos, sess.info())
	}
	return infos
}

// Count returns the number of registered sessions, including terminated
// sessions still inside their grace window.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close terminates every non-terminated session and stops pending evictions.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Terminate(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.evict != nil {
			sess.evict.Stop()
		}
	}
}

func (s *Session) info() Info {
	return Info{
		ID:             s.ID,
		Owner:          s.Owner,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		State:          s.State,
	}
}
