// Package session provides the authoritative registry of agent sessions.
//
// # Overview
//
// A session is the addressable unit representing one running agent process
// and its I/O capability. The registry owns session state exclusively: other
// components hold session IDs and go through the registry for lookups and
// lifecycle transitions.
//
// # Lifecycle
//
// Sessions move through starting -> active -> terminated, with no path back.
// Termination is idempotent: the underlying handle's Terminate is invoked at
// most once, and repeated Terminate calls on the registry succeed without
// side effects. A terminated session remains queryable for a configured grace
// period (for trailing reads of its output history) and is then evicted.
//
// # Handles
//
// The registry never spawns processes. Callers provision a Handle - an opaque
// capability exposing write, an output stream, and terminate - and register
// it. LoopbackHandle is an in-memory implementation used by tests and by the
// default session factory.
package session
