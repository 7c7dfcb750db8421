// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers message lifecycle, due queries, and the append-only delivery log

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestMessage(target string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:              uuid.New().String(),
		TargetSessionID: target,
		Payload:         []byte(`{"text":"hello"}`),
		Status:          StatusScheduled,
		ScheduledFor:    now,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSQLiteStore_CreateAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("session-1")
	msg.Recurrence = "*/5 * * * *"

	require.NoError(t, s.CreateMessage(t.Context(), msg))

	got, err := s.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "session-1", got.TargetSessionID)
	assert.Empty(t, got.TargetSelector)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, "*/5 * * * *", got.Recurrence)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, got.ScheduledFor.Equal(msg.ScheduledFor))
	assert.True(t, got.NextAttemptAt.Equal(msg.NextAttemptAt))
}

func TestSQLiteStore_CreateDuplicateMessage(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("session-1")

	require.NoError(t, s.CreateMessage(t.Context(), msg))
	err := s.CreateMessage(t.Context(), msg)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestSQLiteStore_GetMissingMessage(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMessage(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateMessage(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("session-1")
	require.NoError(t, s.CreateMessage(t.Context(), msg))

	msg.Status = StatusDispatching
	msg.Attempts = 2
	msg.NextAttemptAt = msg.NextAttemptAt.Add(10 * time.Second)
	require.NoError(t, s.UpdateMessage(t.Context(), msg))

	got, err := s.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatching, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.NextAttemptAt.Equal(msg.NextAttemptAt))
}

func TestSQLiteStore_UpdateMissingMessage(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("session-1")

	err := s.UpdateMessage(t.Context(), msg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DueMessages(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	past1 := newTestMessage("s1")
	past1.NextAttemptAt = now.Add(-2 * time.Minute)
	past2 := newTestMessage("s2")
	past2.NextAttemptAt = now.Add(-1 * time.Minute)
	future := newTestMessage("s3")
	future.NextAttemptAt = now.Add(time.Hour)
	done := newTestMessage("s4")
	done.NextAttemptAt = now.Add(-3 * time.Minute)
	done.Status = StatusDelivered

	for _, m := range []*Message{past1, past2, future, done} {
		require.NoError(t, s.CreateMessage(t.Context(), m))
	}

	due, err := s.DueMessages(t.Context(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "only scheduled messages at or before now are due")
	assert.Equal(t, past1.ID, due[0].ID, "oldest due first")
	assert.Equal(t, past2.ID, due[1].ID)
}

func TestSQLiteStore_DueMessagesSubsecondBoundary(t *testing.T) {
	s := newTestStore(t)

	// Fractions where one is a string prefix of the other (".5" vs ".55")
	// break comparison under a trimmed layout. The stored form is fixed
	// width, so a message due at +500ms must show up when polled at +550ms.
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	msg := newTestMessage("s1")
	msg.ScheduledFor = base.Add(500 * time.Millisecond)
	msg.NextAttemptAt = base.Add(500 * time.Millisecond)
	require.NoError(t, s.CreateMessage(t.Context(), msg))

	due, err := s.DueMessages(t.Context(), base.Add(550*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, msg.ID, due[0].ID)

	due, err = s.DueMessages(t.Context(), base.Add(450*time.Millisecond), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not yet due at +450ms")
}

func TestSQLiteStore_UpdateMessageIf(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("s1")
	require.NoError(t, s.CreateMessage(t.Context(), msg))

	msg.Status = StatusDispatching
	applied, err := s.UpdateMessageIf(t.Context(), msg, StatusScheduled)
	require.NoError(t, err)
	assert.True(t, applied)

	// Simulate a cancel landing while an attempt holds a stale copy: the
	// stale writer's guard no longer matches and the row is untouched.
	cancelled := *msg
	cancelled.Status = StatusCancelled
	applied, err = s.UpdateMessageIf(t.Context(), &cancelled, StatusDispatching)
	require.NoError(t, err)
	require.True(t, applied)

	stale := *msg
	stale.Status = StatusScheduled
	stale.Attempts = 1
	applied, err = s.UpdateMessageIf(t.Context(), &stale, StatusDispatching)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, got.Attempts)

	applied, err = s.UpdateMessageIf(t.Context(), newTestMessage("ghost"), StatusScheduled)
	require.NoError(t, err)
	assert.False(t, applied, "missing message matches nothing")
}

func TestSQLiteStore_CountPending(t *testing.T) {
	s := newTestStore(t)

	scheduled := newTestMessage("s1")
	dispatching := newTestMessage("s2")
	dispatching.Status = StatusDispatching
	delivered := newTestMessage("s3")
	delivered.Status = StatusDelivered
	cancelled := newTestMessage("s4")
	cancelled.Status = StatusCancelled

	for _, m := range []*Message{scheduled, dispatching, delivered, cancelled} {
		require.NoError(t, s.CreateMessage(t.Context(), m))
	}

	count, err := s.CountPending(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteStore_ListMessagesByStatus(t *testing.T) {
	s := newTestStore(t)

	failed := newTestMessage("s1")
	failed.Status = StatusFailed
	require.NoError(t, s.CreateMessage(t.Context(), failed))
	require.NoError(t, s.CreateMessage(t.Context(), newTestMessage("s2")))

	got, err := s.ListMessages(t.Context(), StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ID, got[0].ID)

	all, err := s.ListMessages(t.Context(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLiteStore_DeliveryLog(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("s1")
	require.NoError(t, s.CreateMessage(t.Context(), msg))

	base := time.Now().UTC()
	outcomes := []Outcome{OutcomeSessionNotFound, OutcomeTimeout, OutcomeSuccess}
	for i, outcome := range outcomes {
		entry := &DeliveryEntry{
			ID:        uuid.New().String(),
			MessageID: msg.ID,
			Attempt:   i + 1,
			Outcome:   outcome,
			Detail:    fmt.Sprintf("attempt %d", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendDelivery(t.Context(), entry))
	}

	entries, err := s.DeliveriesForMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Attempt, "entries ordered by attempt")
		assert.Equal(t, outcomes[i], entry.Outcome)
	}
}

func TestSQLiteStore_ListDeliveriesTimeRange(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage("s1")
	require.NoError(t, s.CreateMessage(t.Context(), msg))

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		entry := &DeliveryEntry{
			ID:        uuid.New().String(),
			MessageID: msg.ID,
			Attempt:   i + 1,
			Outcome:   OutcomeWriteError,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendDelivery(t.Context(), entry))
	}

	since := base.Add(time.Minute)
	until := base.Add(3 * time.Minute)
	entries, err := s.ListDeliveries(t.Context(), DeliveryQuery{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.Equal(t, 4, entries[2].Attempt)

	limited, err := s.ListDeliveries(t.Context(), DeliveryQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_ResetInFlight(t *testing.T) {
	s := newTestStore(t)

	stuck := newTestMessage("s1")
	stuck.Status = StatusDispatching
	ok := newTestMessage("s2")
	require.NoError(t, s.CreateMessage(t.Context(), stuck))
	require.NoError(t, s.CreateMessage(t.Context(), ok))

	n, err := s.ResetInFlight(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetMessage(t.Context(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(t.Context()))
}
