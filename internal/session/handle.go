// ABOUTME: Handle is the opaque I/O capability backing a session.
// ABOUTME: Includes LoopbackHandle, an in-memory implementation for tests and demos.

package session

import (
	"context"
	"errors"
	"sync"
)

// ErrHandleClosed is returned by writes to a terminated handle.
var ErrHandleClosed = errors.New("session handle closed")

// Handle is the opaque capability backing a session. The registry owns the
// lifecycle; the dispatcher writes through it and the stream multiplexer
// drains its output channel.
type Handle interface {
	// Write delivers payload to the underlying process input. Implementations
	// must honor ctx cancellation; a blocked process write is bounded by the
	// caller's deadline.
	Write(ctx context.Context, payload []byte) error

	// Output returns the stream of output produced by the underlying process.
	// The channel is closed when the process exits or the handle is terminated.
	Output() <-chan []byte

	// Terminate stops the underlying process and closes the output channel.
	// Safe to call more than once.
	Terminate() error
}

// LoopbackHandle is an in-memory Handle that echoes writes back as output.
// It backs the default session factory and most tests; real deployments
// register handles wrapping a pseudo-terminal.
type LoopbackHandle struct {
	out chan []byte

	// mu is held shared by senders and exclusively by Terminate, so the
	// output channel is never closed while a send is in flight.
	mu     sync.RWMutex
	closed bool
}

// NewLoopbackHandle creates a loopback handle with the given output buffer.
func NewLoopbackHandle(buffer int) *LoopbackHandle {
	if buffer <= 0 {
		buffer = 64
	}
	return &LoopbackHandle{out: make(chan []byte, buffer)}
}

// Write echoes the payload onto the output channel.
func (h *LoopbackHandle) Write(ctx context.Context, payload []byte) error {
	// Copy so the caller may reuse its buffer.
	echoed := make([]byte, len(payload))
	copy(echoed, payload)
	return h.send(ctx, echoed)
}

// Emit injects raw output, simulating the underlying process producing data.
func (h *LoopbackHandle) Emit(payload []byte) error {
	return h.send(context.Background(), payload)
}

func (h *LoopbackHandle) send(ctx context.Context, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHandleClosed
	}

	select {
	case h.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Output returns the output channel.
func (h *LoopbackHandle) Output() <-chan []byte {
	return h.out
}

// Terminate closes the output channel. Idempotent.
func (h *LoopbackHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	close(h.out)
	return nil
}
