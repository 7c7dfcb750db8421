// Package store provides persistence for scheduled messages and the
// delivery log.
//
// # Overview
//
// Two tables back the dispatcher: scheduled_messages holds the jobs and
// their state machine (scheduled, dispatching, delivered, failed,
// cancelled), and delivery_log is an append-only audit trail of dispatch
// attempts and outcomes. Log entries are never mutated or deleted here;
// retention is an external policy.
//
// # Implementation
//
// SQLiteStore is the only implementation, using modernc.org/sqlite with WAL
// mode. Tests run against ":memory:" databases.
//
// # Durability
//
// Scheduled message rows survive restarts; any row left in dispatching by a
// crash is reset to scheduled at startup so it is re-evaluated. No stronger
// cross-restart delivery guarantee is made.
package store
