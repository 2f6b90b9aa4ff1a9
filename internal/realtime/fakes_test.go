package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/opsync/internal/backoff"
	"github.com/haasonsaas/opsync/internal/clock"
	"github.com/haasonsaas/opsync/internal/observability"
	"github.com/haasonsaas/opsync/internal/transport"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

type fakeDialer struct {
	mu       sync.Mutex
	urls     []string
	failures int
	failAll  bool
	block    chan struct{}
	conns    chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail := d.failAll || d.failures > 0
	if d.failures > 0 {
		d.failures--
	}
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errRefused
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (r *eventRecorder) record(ev StateEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateEvent(nil), r.events...)
}

type testEnv struct {
	manager  *Manager
	dialer   *fakeDialer
	clock    *clock.Manual
	metrics  *observability.Metrics
	recorder *eventRecorder
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer:   newFakeDialer(),
		clock:    clock.NewManual(time.Unix(1_700_000_000, 0)),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		recorder: &eventRecorder{},
	}
	opts := Options{
		URL:      "wss://sync.example.com/ws",
		TenantID: "acme",
		UserID:   "u-1",
		ClientID: "client-1",
		Dialer:   env.dialer,
		Backoff:  backoff.NewPolicy(100*time.Millisecond, 30*time.Second, 1.5, 0),
		Clock:    env.clock,
		Metrics:  env.metrics,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.OnStateChange(env.recorder.record)
	env.manager = m
	t.Cleanup(m.Close)
	return env
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
