// ABOUTME: REST API handlers for sessions, scheduled messages, and the delivery log
// ABOUTME: All responses use a {success, data, error} envelope

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/warrenhq/warren/internal/dispatch"
	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/stream"
)

// apiResponse is the envelope for every JSON response.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Hub) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/heartbeat", h.handleHeartbeat)

	mux.HandleFunc("GET /ws", h.handleWS)

	mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleSessionOutput)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleTerminateSession)

	mux.HandleFunc("POST /api/messages", h.handleScheduleMessage)
	mux.HandleFunc("GET /api/messages/{id}", h.handleGetMessage)
	mux.HandleFunc("DELETE /api/messages/{id}", h.handleCancelMessage)
	mux.HandleFunc("GET /api/messages/{id}/deliveries", h.handleMessageDeliveries)
	mux.HandleFunc("GET /api/deliveries", h.handleListDeliveries)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: msg})
}

// clientKey identifies a caller for rate limiting. Port excluded so
// reconnects share a bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHeartbeat serves the snapshot bare, not in the API envelope, so
// external controllers can read {status, timestamp, summary} directly.
func (h *Hub) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	snap := h.health.Heartbeat(r.Context())
	status := http.StatusOK
	if snap.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(snap)
}

type sessionView struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func viewSession(info session.Info) sessionView {
	return sessionView{
		ID:             info.ID,
		Owner:          info.Owner,
		State:          string(info.State),
		CreatedAt:      info.CreatedAt,
		LastActivityAt: info.LastActivityAt,
	}
}

func (h *Hub) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.Sessions(r.URL.Query().Get("owner"))
	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewSession(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Hub) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	info, err := h.CreateSession(req.ID, req.Owner)
	if err != nil {
		if errors.Is(err, session.ErrDuplicate) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewSession(info))
}

type outputLine struct {
	Seq  uint64    `json:"seq"`
	Data string    `json:"data"`
	Time time.Time `json:"time"`
}

// handleSessionOutput is the pull fallback for clients that cannot hold a
// WebSocket open. Rate limited per client.
func (h *Hub) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	if !h.pollLimits.allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "poll rate exceeded, slow down or use /ws")
		return
	}

	id := r.PathValue("id")
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "lines must be a non-negative integer")
			return
		}
		lines = n
	}

	chunks, err := h.streams.FetchRecent(id, lines)
	if err != nil {
		if errors.Is(err, stream.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]outputLine, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, outputLine{Seq: chunk.Seq, Data: string(chunk.Payload), Time: chunk.Time})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"output":     out,
		"timestamp":  time.Now().UTC(),
	})
}

func (h *Hub) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.TerminateSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "state": string(session.StateTerminated)})
}

type messageView struct {
	ID              string    `json:"id"`
	TargetSessionID string    `json:"target_session_id,omitempty"`
	TargetSelector  string    `json:"target_selector,omitempty"`
	Payload         string    `json:"payload"`
	Recurrence      string    `json:"recurrence,omitempty"`
	Status          string    `json:"status"`
	Attempts        int       `json:"attempts"`
	ScheduledFor    time.Time `json:"scheduled_for"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewMessage(msg *store.Message) messageView {
	return messageView{
		ID:              msg.ID,
		TargetSessionID: msg.TargetSessionID,
		TargetSelector:  msg.TargetSelector,
		Payload:         string(msg.Payload),
		Recurrence:      msg.Recurrence,
		Status:          string(msg.Status),
		Attempts:        msg.Attempts,
		ScheduledFor:    msg.ScheduledFor,
		NextAttemptAt:   msg.NextAttemptAt,
		CreatedAt:       msg.CreatedAt,
	}
}

func (h *Hub) handleScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetSessionID string     `json:"target_session_id"`
		TargetSelector  string     `json:"target_selector"`
		Payload         string     `json:"payload"`
		ScheduledFor    *time.Time `json:"scheduled_for"`
		Recurrence      string     `json:"recurrence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg := &store.Message{
		TargetSessionID: req.TargetSessionID,
		TargetSelector:  req.TargetSelector,
		Payload:         []byte(req.Payload),
		Recurrence:      req.Recurrence,
	}
	if req.ScheduledFor != nil {
		msg.ScheduledFor = req.ScheduledFor.UTC()
	}

	if err := h.dispatcher.Schedule(r.Context(), msg); err != nil {
		if errors.Is(err, dispatch.ErrInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewMessage(msg))
}

func (h *Hub) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("message %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewMessage(msg))
}

func (h *Hub) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.dispatcher.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(store.StatusCancelled)})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("message %s not found", id))
	case errors.Is(err, dispatch.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type deliveryView struct {
	MessageID string    `json:"message_id"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func viewDeliveries(entries []*store.DeliveryEntry) []deliveryView {
	views := make([]deliveryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, deliveryView{
			MessageID: entry.MessageID,
			Attempt:   entry.Attempt,
			Outcome:   string(entry.Outcome),
			Detail:    entry.Detail,
			Timestamp: entry.Timestamp,
		})
	}
	return views
}

func (h *Hub) handleMessageDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetMessage(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("message %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := h.store.DeliveriesForMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "deliveries": viewDeliveries(entries)})
}

func (h *Hub) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	var q store.DeliveryQuery

	if raw := r.URL.Query().Get("since"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		q.Since = &at
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		q.Until = &at
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	entries, err := h.store.ListDeliveries(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": viewDeliveries(entries)})
}
