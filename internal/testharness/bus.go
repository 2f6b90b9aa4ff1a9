// Package testharness provides in-memory stand-ins for the sync connection so
// components built on top of it can be exercised without a socket.
package testharness

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/opsync/internal/protocol"
	"github.com/haasonsaas/opsync/internal/realtime"
)

// Bus is a fake connection. Published frames are recorded instead of written,
// and Deliver dispatches inbound frames synchronously on the caller's
// goroutine, with the same validation the real connection applies.
type Bus struct {
	mu        sync.Mutex
	state     realtime.State
	sent      []protocol.Envelope
	dropped   int
	nextID    int
	handlers  map[string][]busHandler
	observers []busObserver
}

type busHandler struct {
	id int
	fn realtime.Handler
}

type busObserver struct {
	id int
	fn func(realtime.StateEvent)
}

// NewBus returns a disconnected Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]busHandler)}
}

// Publish records the frame if connected and returns realtime.ErrNotConnected
// otherwise, mirroring the drop-not-queue behavior of the real connection.
func (b *Bus) Publish(kind string, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Phase != realtime.Connected {
		b.dropped++
		return realtime.ErrNotConnected
	}
	b.sent = append(b.sent, env)
	return nil
}

// Subscribe registers fn for inbound frames of kind.
func (b *Bus) Subscribe(kind string, fn realtime.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], busHandler{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[kind]
		for i, h := range hs {
			if h.id == id {
				b.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for state transitions made with SetState.
func (b *Bus) OnStateChange(fn func(realtime.StateEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, busObserver{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, o := range b.observers {
			if o.id == id {
				b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
				return
			}
		}
	}
}

// IsConnected reports whether the bus is in the Connected phase.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Phase == realtime.Connected
}

// SetState moves the bus to next and notifies observers synchronously.
func (b *Bus) SetState(next realtime.State) {
	b.mu.Lock()
	old := b.state
	if old == next {
		b.mu.Unlock()
		return
	}
	b.state = next
	observers := append([]busObserver(nil), b.observers...)
	b.mu.Unlock()

	ev := realtime.StateEvent{Old: old, New: next}
	for _, o := range observers {
		o.fn(ev)
	}
}

// Connect is SetState(Connected).
func (b *Bus) Connect() {
	b.SetState(realtime.State{Phase: realtime.Connected})
}

// Drop simulates a lost connection waiting for its first retry.
func (b *Bus) Drop() {
	b.SetState(realtime.State{Phase: realtime.Reconnecting, Attempt: 1})
}

// Disconnect is SetState(Disconnected).
func (b *Bus) Disconnect() {
	b.SetState(realtime.State{Phase: realtime.Disconnected})
}

// Deliver encodes payload as an inbound frame of kind and dispatches it. It
// returns protocol.ErrMalformed (wrapped) when the frame would be rejected by
// the real connection; in that case no handler runs.
func (b *Bus) Deliver(kind string, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return b.DeliverRaw(raw)
}

// DeliverRaw dispatches a raw inbound frame.
func (b *Bus) DeliverRaw(raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	handlers := append([]busHandler(nil), b.handlers[env.Kind]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h.fn(env)
	}
	return nil
}

// Sent returns the recorded frames of kind, or every frame when kind is empty.
func (b *Bus) Sent(kind string) []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range b.sent {
		if kind == "" || env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// Dropped returns how many frames were published while not connected.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribers returns the number of handlers registered for kind.
func (b *Bus) Subscribers(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}

// Reset forgets recorded frames.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
	b.dropped = 0
}

// Payloads decodes the payloads of every recorded frame of kind.
func Payloads[T any](b *Bus, kind string) ([]T, error) {
	frames := b.Sent(kind)
	out := make([]T, 0, len(frames))
	for _, env := range frames {
		var v T
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		out = append(out, v)
	}
	return out, nil
}
