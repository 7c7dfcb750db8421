// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists scheduled messages and the delivery log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width RFC 3339 form. Zero-padding the fraction keeps
// string comparison in SQL (due queries, time-range filters, ORDER BY)
// consistent with time order; RFC3339Nano trims trailing zeros and is not
// comparable that way.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	// RFC3339Nano accepts any fraction width, so rows written before the
	// layout was fixed still parse.
	return time.Parse(time.RFC3339Nano, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS scheduled_messages (
			message_id        TEXT PRIMARY KEY,
			target_session_id TEXT NOT NULL DEFAULT '',
			target_selector   TEXT NOT NULL DEFAULT '',
			payload           BLOB NOT NULL,
			recurrence        TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			attempts          INTEGER NOT NULL DEFAULT 0,
			scheduled_for     TEXT NOT NULL,
			next_attempt_at   TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('scheduled', 'dispatching', 'delivered', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_due
			ON scheduled_messages(status, next_attempt_at);

		CREATE TABLE IF NOT EXISTS delivery_log (
			entry_id   TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			attempt    INTEGER NOT NULL,
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			timestamp  TEXT NOT NULL,

			CHECK (outcome IN ('success', 'session_not_found', 'write_error', 'timeout')),
			FOREIGN KEY (message_id) REFERENCES scheduled_messages(message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_message
			ON delivery_log(message_id, attempt);

		CREATE INDEX IF NOT EXISTS idx_delivery_timestamp
			ON delivery_log(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateMessage persists a new scheduled message
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO scheduled_messages (
			message_id, target_session_id, target_selector, payload, recurrence,
			status, attempts, scheduled_for, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.TargetSessionID,
		msg.TargetSelector,
		msg.Payload,
		msg.Recurrence,
		string(msg.Status),
		msg.Attempts,
		formatTime(msg.ScheduledFor),
		formatTime(msg.NextAttemptAt),
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created scheduled message",
		"message_id", msg.ID,
		"target_session_id", msg.TargetSessionID,
		"target_selector", msg.TargetSelector,
		"scheduled_for", msg.ScheduledFor,
	)
	return nil
}

// GetMessage retrieves a single message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT message_id, target_session_id, target_selector, payload, recurrence,
		       status, attempts, scheduled_for, next_attempt_at, created_at, updated_at
		FROM scheduled_messages
		WHERE message_id = ?
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// UpdateMessage rewrites the mutable fields of a message
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	query := `
		UPDATE scheduled_messages
		SET status = ?, attempts = ?, scheduled_for = ?, next_attempt_at = ?, updated_at = ?
		WHERE message_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(msg.Status),
		msg.Attempts,
		formatTime(msg.ScheduledFor),
		formatTime(msg.NextAttemptAt),
		formatTime(time.Now()),
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMessageIf rewrites the mutable fields only while the row's status
// still matches expect. Returns false when nothing matched, either because
// the message is missing or a concurrent writer moved it to another status.
func (s *SQLiteStore) UpdateMessageIf(ctx context.Context, msg *Message, expect MessageStatus) (bool, error) {
	query := `
		UPDATE scheduled_messages
		SET status = ?, attempts = ?, scheduled_for = ?, next_attempt_at = ?, updated_at = ?
		WHERE message_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(msg.Status),
		msg.Attempts,
		formatTime(msg.ScheduledFor),
		formatTime(msg.NextAttemptAt),
		formatTime(time.Now()),
		msg.ID,
		string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("updating message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// DueMessages returns scheduled messages due at or before now, oldest due first
func (s *SQLiteStore) DueMessages(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT message_id, target_session_id, target_selector, payload, recurrence,
		       status, attempts, scheduled_for, next_attempt_at, created_at, updated_at
		FROM scheduled_messages
		WHERE status = 'scheduled' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// CountPending counts messages not yet in a terminal status
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*) FROM scheduled_messages
		WHERE status IN ('scheduled', 'dispatching')
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return count, nil
}

// ListMessages returns messages filtered by status, newest first.
// An empty status returns all messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, status MessageStatus, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT message_id, target_session_id, target_selector, payload, recurrence,
		       status, attempts, scheduled_for, next_attempt_at, created_at, updated_at
		FROM scheduled_messages
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// AppendDelivery writes one delivery-log entry. Entries are never updated.
func (s *SQLiteStore) AppendDelivery(ctx context.Context, entry *DeliveryEntry) error {
	query := `
		INSERT INTO delivery_log (entry_id, message_id, attempt, outcome, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.MessageID,
		entry.Attempt,
		string(entry.Outcome),
		entry.Detail,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery entry: %w", err)
	}

	s.logger.Debug("appended delivery entry",
		"message_id", entry.MessageID,
		"attempt", entry.Attempt,
		"outcome", entry.Outcome,
	)
	return nil
}

// DeliveriesForMessage returns all attempts for a message, oldest first
func (s *SQLiteStore) DeliveriesForMessage(ctx context.Context, messageID string) ([]*DeliveryEntry, error) {
	query := `
		SELECT entry_id, message_id, attempt, outcome, detail, timestamp
		FROM delivery_log
		WHERE message_id = ?
		ORDER BY attempt ASC
	`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// ListDeliveries returns delivery entries within a time range, oldest first
func (s *SQLiteStore) ListDeliveries(ctx context.Context, q DeliveryQuery) ([]*DeliveryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT entry_id, message_id, attempt, outcome, detail, timestamp
		FROM delivery_log
		WHERE 1=1
	`
	args := []any{}
	if q.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(*q.Since))
	}
	if q.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, formatTime(*q.Until))
	}
	query += " ORDER BY timestamp ASC, attempt ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery log: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// ResetInFlight moves rows stuck in dispatching back to scheduled
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int, error) {
	query := `
		UPDATE scheduled_messages
		SET status = 'scheduled', updated_at = ?
		WHERE status = 'dispatching'
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("resetting in-flight messages: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("reset in-flight messages to scheduled", "count", rows)
	}
	return int(rows), nil
}

// Ping verifies the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	msg := &Message{}
	var status, scheduledFor, nextAttemptAt, createdAt, updatedAt string

	err := row.Scan(
		&msg.ID,
		&msg.TargetSessionID,
		&msg.TargetSelector,
		&msg.Payload,
		&msg.Recurrence,
		&status,
		&msg.Attempts,
		&scheduledFor,
		&nextAttemptAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = MessageStatus(status)
	if msg.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("parsing scheduled_for: %w", err)
	}
	if msg.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return nil, fmt.Errorf("parsing next_attempt_at: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

func collectDeliveries(rows *sql.Rows) ([]*DeliveryEntry, error) {
	var entries []*DeliveryEntry
	for rows.Next() {
		entry := &DeliveryEntry{}
		var outcome, timestamp string
		err := rows.Scan(
			&entry.ID,
			&entry.MessageID,
			&entry.Attempt,
			&outcome,
			&entry.Detail,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery entry: %w", err)
		}
		entry.Outcome = Outcome(outcome)
		entry.Timestamp, err = parseTime(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing delivery timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery entries: %w", err)
	}
	return entries, nil
}
