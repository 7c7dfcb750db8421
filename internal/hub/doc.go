// Package hub wires the session registry, stream multiplexer, dispatcher,
// store, and health aggregator into one server.
//
// The hub owns component lifecycles: it builds the object graph, connects
// the registry's terminate/evict hooks to the multiplexer, runs the HTTP
// server alongside the dispatcher and health loops, and tears everything
// down in dependency order on shutdown.
//
// External surfaces:
//
//   - GET  /ws                            live output streaming (WebSocket)
//   - GET  /api/sessions                  list sessions
//   - POST /api/sessions                  create a session
//   - GET  /api/sessions/{id}             recent output (pull fallback)
//   - DELETE /api/sessions/{id}           terminate a session
//   - POST /api/messages                  schedule a message
//   - GET  /api/messages/{id}             inspect a message
//   - DELETE /api/messages/{id}           cancel a message
//   - GET  /api/messages/{id}/deliveries  attempt history for one message
//   - GET  /api/deliveries                delivery log by time range
//   - GET  /health                        liveness probe
//   - GET  /health/heartbeat              aggregated component heartbeat
package hub
