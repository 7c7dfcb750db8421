// ABOUTME: Store interface and data types for scheduled-message persistence
// ABOUTME: Defines Message, DeliveryEntry and the status/outcome vocabularies

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when creating a message whose ID already exists
var ErrDuplicateMessage = errors.New("message already exists")

// MessageStatus is the lifecycle state of a scheduled message
type MessageStatus string

const (
	// StatusScheduled means the message is waiting for its due time.
	StatusScheduled MessageStatus = "scheduled"
	// StatusDispatching means an attempt is in flight.
	StatusDispatching MessageStatus = "dispatching"
	// StatusDelivered is terminal: the payload was written to a session.
	StatusDelivered MessageStatus = "delivered"
	// StatusFailed is terminal: retries were exhausted.
	StatusFailed MessageStatus = "failed"
	// StatusCancelled is terminal: the message was cancelled before delivery.
	StatusCancelled MessageStatus = "cancelled"
)

// Terminal reports whether the status admits no further attempts.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Outcome records the result of a single dispatch attempt
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeSessionNotFound Outcome = "session_not_found"
	OutcomeWriteError      Outcome = "write_error"
	OutcomeTimeout         Outcome = "timeout"
)

// Message is a payload scheduled for delivery to a session. Exactly one of
// TargetSessionID and TargetSelector is set: a direct target names a session
// by ID, a selector is resolved against live sessions at dispatch time.
type Message struct {
	ID              string
	TargetSessionID string
	TargetSelector  string
	Payload         []byte
	// Recurrence is a cron expression or a Go duration string; empty means
	// one-shot. The next occurrence is computed from ScheduledFor, not from
	// the delivery time, so slow deliveries do not drift the schedule.
	Recurrence    string
	Status        MessageStatus
	Attempts      int
	ScheduledFor  time.Time
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryEntry is one row of the append-only delivery log
type DeliveryEntry struct {
	ID        string
	MessageID string
	Attempt   int
	Outcome   Outcome
	Detail    string
	Timestamp time.Time
}

// DeliveryQuery filters ListDeliveries. Nil bounds are open-ended.
type DeliveryQuery struct {
	Since *time.Time
	Until *time.Time
	Limit int // defaults to 100, capped at 1000
}

// Store persists scheduled messages and the delivery log
type Store interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	// UpdateMessageIf applies the update only while the row's status still
	// matches expect, reporting whether a row changed. Writers racing over a
	// status transition use this so the loser notices instead of overwriting.
	UpdateMessageIf(ctx context.Context, msg *Message, expect MessageStatus) (bool, error)
	// DueMessages returns scheduled messages whose next_attempt_at is at or
	// before now, oldest due first.
	DueMessages(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	// CountPending counts messages not yet in a terminal status.
	CountPending(ctx context.Context) (int, error)
	ListMessages(ctx context.Context, status MessageStatus, limit int) ([]*Message, error)

	AppendDelivery(ctx context.Context, entry *DeliveryEntry) error
	DeliveriesForMessage(ctx context.Context, messageID string) ([]*DeliveryEntry, error)
	ListDeliveries(ctx context.Context, q DeliveryQuery) ([]*DeliveryEntry, error)

	// ResetInFlight moves dispatching rows back to scheduled. Called once at
	// startup to recover from a crash mid-attempt.
	ResetInFlight(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
