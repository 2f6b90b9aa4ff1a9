// Package realtime owns the single persistent connection to the sync
// endpoint: its lifecycle state machine, reconnection with backoff, and
// kind-based dispatch of inbound frames.
//
// Components built on top of the Manager (presence, typing) only see Send,
// Subscribe and OnStateChange; the socket itself never leaves this package.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/opsync/internal/backoff"
	"github.com/haasonsaas/opsync/internal/clock"
	"github.com/haasonsaas/opsync/internal/observability"
	"github.com/haasonsaas/opsync/internal/protocol"
	"github.com/haasonsaas/opsync/internal/transport"
)

// ErrNotConnected is returned by Send when the frame was dropped because the
// connection is not open. Outbound frames are never queued.
var ErrNotConnected = errors.New("realtime: not connected")

const defaultDialTimeout = 10 * time.Second

// Handler receives inbound frames. Handlers run on the connection's read
// goroutine, one frame at a time, in arrival order.
type Handler func(env protocol.Envelope)

// Options configures a Manager.
type Options struct {
	// URL is the sync endpoint. Query parameters tenantId, userId and
	// clientId are appended at connect time.
	URL      string
	TenantID string
	UserID   string
	// ClientID identifies this Manager to the server. Defaults to a random UUID.
	ClientID string

	Dialer  transport.Dialer
	Backoff backoff.BackoffPolicy
	// MaxAttempts bounds consecutive reconnect attempts; <= 0 means unlimited.
	MaxAttempts int
	DialTimeout time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

type subscription struct {
	id      uint64
	handler Handler
}

type stateSubscription struct {
	id uint64
	fn func(StateEvent)
}

// Manager maintains at most one live connection and reconnects it with
// exponential backoff until Disconnect is called or the attempt budget is
// spent.
type Manager struct {
	opts   Options
	logger *slog.Logger
	clock  clock.Clock

	mu             sync.Mutex
	state          State
	exhausted      bool
	gen            uint64
	dialAttempt    int
	conn           transport.Conn
	reconnectTimer clock.Timer
	cancelDial     context.CancelFunc

	subsMu     sync.RWMutex
	nextSubID  uint64
	subs       map[string][]subscription
	wildcard   []subscription
	stateSubs  []stateSubscription
	notifier   notifier
	dispatchWG sync.WaitGroup
	// callbacks counts observer and handler calls in progress.
	callbacks atomic.Int32
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("realtime: invalid URL: %w", err)
	}
	if opts.Dialer == nil {
		return nil, errors.New("realtime: Dialer is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Backoff == (backoff.BackoffPolicy{}) {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NoopTracer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		opts:   opts,
		logger: logger.With("component", "realtime", "client_id", opts.ClientID),
		clock:  opts.Clock,
		subs:   make(map[string][]subscription),
	}
	m.notifier.deliver = m.deliverStateEvent
	opts.Metrics.SetConnectionPhase(Disconnected.String())
	return m, nil
}

// ClientID returns the identifier sent to the server on connect.
func (m *Manager) ClientID() string {
	return m.opts.ClientID
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	return m.State().Phase == Connected
}

// ReconnectAttempt returns the current reconnect attempt, or 0 when not
// reconnecting.
func (m *Manager) ReconnectAttempt() int {
	return m.State().Attempt
}

// Exhausted reports whether reconnection gave up after MaxAttempts. It stays
// true until Connect or Disconnect is called.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Connect opens the connection. It is a no-op while connecting, connected or
// waiting for a scheduled reconnect. After the attempt budget is exhausted,
// Connect starts a fresh cycle. It never blocks on the network.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.state.Phase {
	case Connecting, Connected:
		m.mu.Unlock()
		return
	case Reconnecting:
		if !m.exhausted {
			m.mu.Unlock()
			return
		}
	}
	m.exhausted = false
	m.stopReconnectTimerLocked()
	m.beginDialLocked(0)
	m.mu.Unlock()
	m.notifier.drain()
}

// Disconnect cancels any pending reconnect, closes the connection and moves
// to Disconnected. It always wins over an in-flight dial or a pending timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopReconnectTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.exhausted = false
	m.transitionLocked(State{Phase: Disconnected}, false, nil)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.notifier.drain()
}

// Close disconnects and waits for the read goroutine to finish dispatching.
// Called from a handler or state observer, Close returns once disconnected:
// the goroutine it would wait for is the caller's own. Handlers queued for
// the same frame are skipped.
func (m *Manager) Close() {
	m.Disconnect()
	if m.callbacks.Load() > 0 {
		return
	}
	m.dispatchWG.Wait()
}

// Send writes a frame if the connection is open. Otherwise the frame is
// dropped and ErrNotConnected returned. A write failure closes the socket;
// the resulting close drives reconnection.
func (m *Manager) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		m.opts.Metrics.FrameDropped(env.Kind, "encode_error")
		return fmt.Errorf("encode %s frame: %w", env.Kind, err)
	}

	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state.Phase != Connected || conn == nil {
		m.opts.Metrics.FrameDropped(env.Kind, "not_connected")
		m.logger.Warn("dropping outbound frame while not connected", "kind", env.Kind, "state", state.String())
		return ErrNotConnected
	}

	if err := conn.WriteMessage(data); err != nil {
		m.opts.Metrics.FrameDropped(env.Kind, "write_error")
		m.logger.Warn("write failed, closing connection", "kind", env.Kind, "error", err)
		_ = conn.Close()
		return fmt.Errorf("send %s frame: %w", env.Kind, err)
	}
	m.opts.Metrics.FrameSent(env.Kind)
	return nil
}

// Publish builds a frame from kind and payload and sends it.
func (m *Manager) Publish(kind string, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		m.opts.Metrics.FrameDropped(kind, "encode_error")
		return err
	}
	return m.Send(env)
}

// Subscribe registers handler for inbound frames of kind. Several handlers may
// share a kind; they run in registration order. The returned function removes
// the subscription and may be called any number of times.
func (m *Manager) Subscribe(kind string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	m.subsMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[kind] = append(m.subs[kind], subscription{id: id, handler: handler})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			m.subs[kind] = removeSubscription(m.subs[kind], id)
			if len(m.subs[kind]) == 0 {
				delete(m.subs, kind)
			}
		})
	}
}

// SubscribeAll registers handler for every inbound frame. Wildcard handlers
// run after the kind-specific ones.
func (m *Manager) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	m.subsMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.wildcard = append(m.wildcard, subscription{id: id, handler: handler})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			m.wildcard = removeSubscription(m.wildcard, id)
		})
	}
}

// OnStateChange registers fn for every state transition. Events are
// delivered in transition order and never concurrently with each other.
func (m *Manager) OnStateChange(fn func(StateEvent)) func() {
	if fn == nil {
		return func() {}
	}
	m.subsMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.stateSubs = append(m.stateSubs, stateSubscription{id: id, fn: fn})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, s := range m.stateSubs {
				if s.id == id {
					m.stateSubs = append(m.stateSubs[:i:i], m.stateSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// endpoint returns the URL with identity query parameters appended.
func (m *Manager) endpoint() (string, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if m.opts.TenantID != "" {
		q.Set("tenantId", m.opts.TenantID)
	}
	if m.opts.UserID != "" {
		q.Set("userId", m.opts.UserID)
	}
	q.Set("clientId", m.opts.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// beginDialLocked moves to Connecting and starts a dial goroutine. attempt is
// the reconnect attempt that led here, 0 for an initial connect.
func (m *Manager) beginDialLocked(attempt int) {
	m.gen++
	gen := m.gen
	m.dialAttempt = attempt
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel
	m.transitionLocked(State{Phase: Connecting}, false, nil)

	m.dispatchWG.Add(1)
	go m.dial(ctx, cancel, gen, attempt)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, attempt int) {
	defer m.dispatchWG.Done()

	ctx, span := m.opts.Tracer.Start(ctx, "realtime.dial", observability.SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.Int("realtime.attempt", attempt),
			attribute.String("realtime.client_id", m.opts.ClientID),
		},
	})

	target, err := m.endpoint()
	var conn transport.Conn
	if err == nil {
		conn, err = m.opts.Dialer.Dial(ctx, target)
	}
	cancel()
	if err != nil {
		m.opts.Tracer.RecordError(span, err)
		span.End()
		m.logger.Warn("dial failed", "attempt", attempt, "error", err)
		m.handleClosed(gen, err)
		return
	}
	span.End()

	if !m.handleOpen(gen, conn) {
		_ = conn.Close()
		return
	}
	m.readLoop(gen, conn)
}

func (m *Manager) handleOpen(gen uint64, conn transport.Conn) bool {
	m.mu.Lock()
	if gen != m.gen || m.state.Phase != Connecting {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.cancelDial = nil
	m.dialAttempt = 0
	m.transitionLocked(State{Phase: Connected}, false, nil)
	m.mu.Unlock()

	m.logger.Info("connected")
	m.notifier.drain()
	return true
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		if !m.isCurrent(gen) {
			return
		}
		m.dispatch(gen, data)
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// handleClosed is the only path into Reconnecting. Events from superseded
// generations are ignored.
func (m *Manager) handleClosed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	var next int
	switch m.state.Phase {
	case Connected:
		next = 1
	case Connecting:
		next = m.dialAttempt + 1
	default:
		m.mu.Unlock()
		return
	}

	conn := m.conn
	m.conn = nil
	m.cancelDial = nil
	m.gen++
	retryGen := m.gen
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	if m.opts.MaxAttempts > 0 && next > m.opts.MaxAttempts {
		m.exhausted = true
		m.transitionLocked(State{Phase: Reconnecting, Attempt: next}, true, cause)
		m.mu.Unlock()

		m.opts.Metrics.ReconnectGaveUp()
		m.logger.Error("giving up on reconnection", "attempts", next-1, "max_attempts", m.opts.MaxAttempts, "error", cause)
		m.notifier.drain()
		return
	}

	delay := m.opts.Backoff.Delay(next)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.retry(retryGen, next)
	})
	m.transitionLocked(State{Phase: Reconnecting, Attempt: next}, false, cause)
	m.mu.Unlock()

	m.opts.Metrics.ReconnectScheduled()
	m.logger.Warn("connection lost, reconnect scheduled", "attempt", next, "delay", delay, "error", cause)
	m.notifier.drain()
}

func (m *Manager) retry(gen uint64, attempt int) {
	m.mu.Lock()
	if gen != m.gen || m.state.Phase != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.beginDialLocked(attempt)
	m.mu.Unlock()
	m.notifier.drain()
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// transitionLocked records a state change and queues its event. Queuing under
// m.mu keeps event order identical to transition order.
func (m *Manager) transitionLocked(next State, exhausted bool, cause error) {
	old := m.state
	if old == next && !exhausted {
		return
	}
	m.state = next
	m.notifier.push(StateEvent{Old: old, New: next, Exhausted: exhausted, Err: cause})
}

func (m *Manager) deliverStateEvent(ev StateEvent) {
	m.opts.Metrics.SetConnectionPhase(ev.New.Phase.String())
	m.logger.Debug("connection state changed", "from", ev.Old.String(), "to", ev.New.String())

	m.subsMu.RLock()
	subs := make([]stateSubscription, len(m.stateSubs))
	copy(subs, m.stateSubs)
	m.subsMu.RUnlock()

	for _, s := range subs {
		m.safeCall("state observer", func() { s.fn(ev) })
	}
}

func (m *Manager) dispatch(gen uint64, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.opts.Metrics.FrameMalformed()
		m.logger.Warn("dropping malformed frame", "bytes", len(data), "error", err)
		return
	}
	m.opts.Metrics.FrameReceived(env.Kind)

	m.subsMu.RLock()
	kindSubs := m.subs[env.Kind]
	handlers := make([]Handler, 0, len(kindSubs)+len(m.wildcard))
	for _, s := range kindSubs {
		handlers = append(handlers, s.handler)
	}
	for _, s := range m.wildcard {
		handlers = append(handlers, s.handler)
	}
	m.subsMu.RUnlock()

	if len(handlers) == 0 {
		m.logger.Debug("no subscribers for frame", "kind", env.Kind)
		return
	}
	for _, h := range handlers {
		if !m.isCurrent(gen) {
			return
		}
		m.safeCall("handler for "+env.Kind, func() { h(env) })
	}
}

// safeCall keeps a panicking subscriber from taking down the read goroutine.
func (m *Manager) safeCall(what string, fn func()) {
	m.callbacks.Add(1)
	defer func() {
		m.callbacks.Add(-1)
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked", "subscriber", what, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Describe returns a short human-readable summary used by the CLI.
func (m *Manager) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state.String()
	if m.exhausted {
		s += " (gave up after " + strconv.Itoa(m.state.Attempt-1) + " attempts)"
	}
	return s
}
