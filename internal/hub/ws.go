// ABOUTME: WebSocket endpoint streaming live session output to observers
// ABOUTME: Bridges stream subscriptions onto per-connection bounded send queues

package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/warrenhq/warren/internal/stream"
)

// Client-to-server frame kinds.
const (
	wsKindSubscribe   = "subscribe"
	wsKindUnsubscribe = "unsubscribe"
)

// Server-to-client frame kinds.
const (
	wsKindConfirmed = "subscription_confirmed"
	wsKindSnapshot  = "initial_terminal_state"
	wsKindOutput    = "terminal_output"
	wsKindError     = "error"
)

// wsFrame is the wire format in both directions. Unused fields are omitted.
type wsFrame struct {
	Kind      string       `json:"kind"`
	SessionID string       `json:"session_id,omitempty"`
	Seq       uint64       `json:"seq,omitempty"`
	Data      string       `json:"data,omitempty"`
	Lines     []outputLine `json:"lines,omitempty"`
	HighSeq   uint64       `json:"high_seq,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// wsConn tracks one observer connection and its subscriptions.
type wsConn struct {
	ws        *websocket.Conn
	remote    string
	sendCh    chan wsFrame
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*stream.Subscription // session_id -> subscription
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// send queues a frame, blocking until there is room or the connection dies.
// The stream layer's own buffers decide when an observer is too slow; here
// we only pace the socket.
func (c *wsConn) send(frame wsFrame) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &wsConn{
		ws:     ws,
		remote: clientKey(r),
		sendCh: make(chan wsFrame, h.cfg.Stream.SubscriberBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*stream.Subscription),
	}

	h.logger.Info("observer connected", "remote", cc.remote)

	go h.wsWriteLoop(cc)
	h.wsReadLoop(r.Context(), cc)

	cc.shutdown()
	cc.mu.Lock()
	for sessionID, sub := range cc.subs {
		h.streams.Unsubscribe(sessionID, sub.ID)
		delete(cc.subs, sessionID)
	}
	cc.mu.Unlock()
	ws.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("observer disconnected", "remote", cc.remote)
}

func (h *Hub) wsReadLoop(ctx context.Context, cc *wsConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame wsFrame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}

		switch frame.Kind {
		case wsKindSubscribe:
			h.wsSubscribe(cc, frame.SessionID)
		case wsKindUnsubscribe:
			h.wsUnsubscribe(cc, frame.SessionID)
		default:
			cc.send(wsFrame{Kind: wsKindError, Error: "unknown frame kind: " + frame.Kind})
		}
	}
}

func (h *Hub) wsWriteLoop(cc *wsConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.shutdown()
				return
			}
		}
	}
}

func (h *Hub) wsSubscribe(cc *wsConn, sessionID string) {
	if sessionID == "" {
		cc.send(wsFrame{Kind: wsKindError, Error: "subscribe requires session_id"})
		return
	}

	cc.mu.Lock()
	if _, exists := cc.subs[sessionID]; exists {
		cc.mu.Unlock()
		cc.send(wsFrame{Kind: wsKindError, SessionID: sessionID, Error: "already subscribed"})
		return
	}
	cc.mu.Unlock()

	sub, err := h.streams.Subscribe(cc.remote, sessionID)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, stream.ErrUnknownSession) {
			msg = "session " + sessionID + " not found"
		}
		cc.send(wsFrame{Kind: wsKindError, SessionID: sessionID, Error: msg})
		return
	}

	cc.mu.Lock()
	cc.subs[sessionID] = sub
	cc.mu.Unlock()

	go h.wsForward(cc, sessionID, sub)
}

func (h *Hub) wsUnsubscribe(cc *wsConn, sessionID string) {
	cc.mu.Lock()
	sub, exists := cc.subs[sessionID]
	delete(cc.subs, sessionID)
	cc.mu.Unlock()

	if exists {
		h.streams.Unsubscribe(sessionID, sub.ID)
	}
}

// wsForward translates one subscription's events into wire frames. Exits
// when the subscription closes, from either side.
func (h *Hub) wsForward(cc *wsConn, sessionID string, sub *stream.Subscription) {
	defer func() {
		cc.mu.Lock()
		if current, ok := cc.subs[sessionID]; ok && current.ID == sub.ID {
			delete(cc.subs, sessionID)
		}
		cc.mu.Unlock()
	}()

	for ev := range sub.Events() {
		switch ev.Kind {
		case stream.KindSnapshot:
			lines := make([]outputLine, 0, len(ev.Snapshot))
			for _, chunk := range ev.Snapshot {
				lines = append(lines, outputLine{Seq: chunk.Seq, Data: string(chunk.Payload), Time: chunk.Time})
			}
			cc.send(wsFrame{
				Kind:      wsKindSnapshot,
				SessionID: sessionID,
				Lines:     lines,
				HighSeq:   ev.HighSeq,
			})
		case stream.KindConfirmed:
			cc.send(wsFrame{Kind: wsKindConfirmed, SessionID: sessionID})
		case stream.KindChunk:
			cc.send(wsFrame{
				Kind:      wsKindOutput,
				SessionID: sessionID,
				Seq:       ev.Chunk.Seq,
				Data:      string(ev.Chunk.Payload),
			})
		case stream.KindError:
			cc.send(wsFrame{Kind: wsKindError, SessionID: sessionID, Error: ev.Err.Error()})
		}
	}
}
