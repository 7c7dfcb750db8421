// ABOUTME: Dispatcher delivering due scheduled messages to live session handles
// ABOUTME: Polls the store, retries with backoff, and logs every attempt outcome

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/workqueue"
)

// ErrAlreadyTerminal is returned when cancelling a delivered or failed message
var ErrAlreadyTerminal = errors.New("message already in a terminal status")

// ErrInvalidMessage is returned by Schedule for malformed messages
var ErrInvalidMessage = errors.New("invalid message")

// TargetResolver maps a message's target to a writable session handle.
// Implementations return session.ErrNotFound when no live session matches.
type TargetResolver interface {
	Resolve(targetSessionID, targetSelector string) (session.Handle, error)
}

// RegistryResolver resolves targets against the session registry. Direct
// targets go straight to the handle; selectors match by owner and pick the
// most recently active live session.
type RegistryResolver struct {
	Registry *session.Registry
}

func (r RegistryResolver) Resolve(targetSessionID, targetSelector string) (session.Handle, error) {
	if targetSessionID != "" {
		return r.Registry.Live(targetSessionID)
	}

	var best *session.Info
	for _, info := range r.Registry.List(targetSelector) {
		if info.State == session.StateTerminated {
			continue
		}
		if best == nil || info.LastActivityAt.After(best.LastActivityAt) {
			candidate := info
			best = &candidate
		}
	}
	if best == nil {
		return nil, session.ErrNotFound
	}
	return r.Registry.Live(best.ID)
}

// Config holds dispatcher tunables.
type Config struct {
	MaxAttempts  int
	TickInterval time.Duration
	WriteTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// BatchSize bounds how many due messages one tick claims. Defaults to 50.
	BatchSize int
	Logger    *slog.Logger
}

// Dispatcher polls for due messages and delivers them to sessions.
type Dispatcher struct {
	store    store.Store
	resolver TargetResolver
	counters *workqueue.Counters
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	attempts sync.WaitGroup
}

// New creates a dispatcher. Zero config fields get conservative defaults.
func New(st store.Store, resolver TargetResolver, counters *workqueue.Counters, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = &workqueue.Counters{}
	}
	return &Dispatcher{
		store:    st,
		resolver: resolver,
		counters: counters,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		inFlight: make(map[string]struct{}),
	}
}

// Schedule validates and persists a new message. The ID, status, and
// timestamps are filled in; a zero ScheduledFor means "now".
func (d *Dispatcher) Schedule(ctx context.Context, msg *store.Message) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if (msg.TargetSessionID == "") == (msg.TargetSelector == "") {
		return fmt.Errorf("%w: exactly one of target_session_id and target_selector must be set", ErrInvalidMessage)
	}
	if msg.Recurrence != "" {
		if _, err := ParseRecurrence(msg.Recurrence); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ScheduledFor.IsZero() {
		msg.ScheduledFor = now
	}
	msg.NextAttemptAt = msg.ScheduledFor
	msg.Status = store.StatusScheduled
	msg.Attempts = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return err
	}

	d.logger.Info("message scheduled",
		"message_id", msg.ID,
		"target_session_id", msg.TargetSessionID,
		"target_selector", msg.TargetSelector,
		"scheduled_for", msg.ScheduledFor,
		"recurrence", msg.Recurrence,
	)
	return nil
}

// Cancel marks a message cancelled. Idempotent for already-cancelled
// messages; delivered and failed messages cannot be cancelled. An attempt
// already in flight may still complete its session write, but the cancelled
// status sticks and the message is never rescheduled.
func (d *Dispatcher) Cancel(ctx context.Context, messageID string) error {
	for {
		msg, err := d.store.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.Status == store.StatusCancelled {
			return nil
		}
		if msg.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, messageID, msg.Status)
		}

		prev := msg.Status
		msg.Status = store.StatusCancelled
		applied, err := d.store.UpdateMessageIf(ctx, msg, prev)
		if err != nil {
			return err
		}
		if applied {
			d.logger.Info("message cancelled", "message_id", messageID)
			return nil
		}
		// Lost a race with the dispatcher's own state write; re-read and retry.
	}
}

// Backlog returns the pending-message gauge as of the last tick.
func (d *Dispatcher) Backlog() int64 {
	return d.counters.Pending()
}

// Run polls until ctx is cancelled, then waits for in-flight attempts.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.store.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("recovering in-flight messages: %w", err)
	} else if n > 0 {
		d.logger.Warn("recovered messages stuck in dispatching", "count", n)
	}

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"tick_interval", d.cfg.TickInterval,
		"max_attempts", d.cfg.MaxAttempts,
	)

	for {
		select {
		case <-ctx.Done():
			d.attempts.Wait()
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick claims due messages and starts one attempt goroutine per message.
func (d *Dispatcher) tick(ctx context.Context) {
	if pending, err := d.store.CountPending(ctx); err == nil {
		d.counters.SetPending(int64(pending))
	}

	due, err := d.store.DueMessages(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("querying due messages failed", "error", err)
		return
	}

	for _, msg := range due {
		if !d.claim(msg.ID) {
			continue
		}

		msg.Status = store.StatusDispatching
		claimed, err := d.store.UpdateMessageIf(ctx, msg, store.StatusScheduled)
		if err != nil {
			d.logger.Error("claiming message failed", "message_id", msg.ID, "error", err)
			d.release(msg.ID)
			continue
		}
		if !claimed {
			// Cancelled (or otherwise moved on) since the due query.
			d.release(msg.ID)
			continue
		}

		d.attempts.Add(1)
		d.counters.StartProcessing()
		go d.attempt(ctx, msg)
	}
}

func (d *Dispatcher) claim(messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.inFlight[messageID]; exists {
		return false
	}
	d.inFlight[messageID] = struct{}{}
	return true
}

func (d *Dispatcher) release(messageID string) {
	d.mu.Lock()
	delete(d.inFlight, messageID)
	d.mu.Unlock()
}

// attempt performs one delivery attempt and records its outcome.
func (d *Dispatcher) attempt(ctx context.Context, msg *store.Message) {
	defer func() {
		d.release(msg.ID)
		d.counters.DoneProcessing()
		d.attempts.Done()
	}()

	attemptNo := msg.Attempts + 1
	outcome, detail := d.deliver(ctx, msg)

	entry := &store.DeliveryEntry{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		Attempt:   attemptNo,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := d.store.AppendDelivery(ctx, entry); err != nil {
		d.logger.Error("recording delivery attempt failed", "message_id", msg.ID, "error", err)
	}

	// Reload before deciding the next state: a concurrent Cancel wins.
	current, err := d.store.GetMessage(ctx, msg.ID)
	if err != nil {
		d.logger.Error("reloading message after attempt failed", "message_id", msg.ID, "error", err)
		return
	}
	if current.Status == store.StatusCancelled {
		d.logger.Info("message cancelled during attempt",
			"message_id", msg.ID, "attempt", attemptNo, "outcome", outcome)
		return
	}

	current.Attempts = attemptNo

	switch {
	case outcome == store.OutcomeSuccess && current.Recurrence != "":
		sched, err := ParseRecurrence(current.Recurrence)
		if err != nil {
			// Recurrence was validated at schedule time; treat corruption as one-shot.
			d.logger.Error("stored recurrence no longer parses",
				"message_id", msg.ID, "recurrence", current.Recurrence, "error", err)
			current.Status = store.StatusDelivered
			break
		}
		next := NextOccurrence(sched, current.ScheduledFor, time.Now().UTC())
		current.ScheduledFor = next
		current.NextAttemptAt = next
		current.Attempts = 0
		current.Status = store.StatusScheduled
		d.logger.Info("recurring message delivered",
			"message_id", msg.ID, "attempt", attemptNo, "next_occurrence", next)

	case outcome == store.OutcomeSuccess:
		current.Status = store.StatusDelivered
		d.logger.Info("message delivered", "message_id", msg.ID, "attempt", attemptNo)

	case attemptNo >= d.cfg.MaxAttempts:
		current.Status = store.StatusFailed
		d.logger.Warn("message failed permanently",
			"message_id", msg.ID, "attempts", attemptNo, "outcome", outcome, "detail", detail)

	default:
		delay := Delay(d.cfg.BackoffBase, d.cfg.BackoffMax, attemptNo)
		current.Status = store.StatusScheduled
		current.NextAttemptAt = time.Now().UTC().Add(delay)
		d.logger.Info("delivery attempt failed, will retry",
			"message_id", msg.ID, "attempt", attemptNo, "outcome", outcome, "retry_in", delay)
	}

	// The write lands only while the row is still dispatching. A Cancel
	// committing after the reload above leaves zero rows matched, and its
	// status stands.
	applied, err := d.store.UpdateMessageIf(ctx, current, store.StatusDispatching)
	if err != nil {
		d.logger.Error("updating message after attempt failed", "message_id", msg.ID, "error", err)
		return
	}
	if !applied {
		d.logger.Info("message cancelled during attempt",
			"message_id", msg.ID, "attempt", attemptNo, "outcome", outcome)
	}
}

// deliver resolves the target and writes the payload under the write timeout.
func (d *Dispatcher) deliver(ctx context.Context, msg *store.Message) (store.Outcome, string) {
	handle, err := d.resolver.Resolve(msg.TargetSessionID, msg.TargetSelector)
	if err != nil {
		return store.OutcomeSessionNotFound, err.Error()
	}

	writeCtx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
	defer cancel()

	if err := handle.Write(writeCtx, msg.Payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return store.OutcomeTimeout, fmt.Sprintf("write exceeded %s", d.cfg.WriteTimeout)
		}
		return store.OutcomeWriteError, err.Error()
	}
	return store.OutcomeSuccess, ""
}
