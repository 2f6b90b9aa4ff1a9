// Package client composes the sync connection, presence tracking and typing
// coordination into the surface the dashboard UI consumes.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/opsync/internal/backoff"
	"github.com/haasonsaas/opsync/internal/clock"
	"github.com/haasonsaas/opsync/internal/config"
	"github.com/haasonsaas/opsync/internal/observability"
	"github.com/haasonsaas/opsync/internal/presence"
	"github.com/haasonsaas/opsync/internal/protocol"
	"github.com/haasonsaas/opsync/internal/realtime"
	"github.com/haasonsaas/opsync/internal/transport"
	"github.com/haasonsaas/opsync/internal/typing"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("client: closed")

// Options configures a Client. Only Config is required.
type Options struct {
	Config *config.Config
	// Dialer overrides the websocket dialer built from Config.
	Dialer  transport.Dialer
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Client owns one connection Manager, one presence Tracker and a typing
// Coordinator per thread.
type Client struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	manager  *realtime.Manager
	presence *presence.Tracker

	mu     sync.Mutex
	typing map[string]*typing.Coordinator
	closed bool
}

// New builds a Client from a validated configuration. It does not connect.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("client: config is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	initial, err := protocol.ParseStatus(cfg.Presence.InitialStatus)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	conn := cfg.Connection
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(transport.WebSocketConfig{
			HandshakeTimeout: conn.DialTimeout,
			PingInterval:     conn.PingInterval,
			PongWait:         conn.PongWait,
			WriteWait:        conn.WriteWait,
		})
	}

	manager, err := realtime.NewManager(realtime.Options{
		URL:         conn.URL,
		TenantID:    conn.TenantID,
		UserID:      conn.UserID,
		Dialer:      dialer,
		Backoff:     backoff.NewPolicy(conn.BaseInterval, conn.MaxInterval, conn.Factor, conn.Jitter),
		MaxAttempts: conn.MaxAttempts,
		DialTimeout: conn.DialTimeout,
		Clock:       clk,
		Logger:      logger,
		Metrics:     opts.Metrics,
		Tracer:      opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	tracker := presence.NewTracker(manager, presence.Config{
		UserID:            conn.UserID,
		InitialStatus:     initial,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		SweepInterval:     cfg.Presence.SweepInterval,
		StaleTimeout:      cfg.Presence.StaleTimeout,
		Clock:             clk,
		Logger:            logger,
		Metrics:           opts.Metrics,
	})

	return &Client{
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With("component", "client"),
		metrics:  opts.Metrics,
		manager:  manager,
		presence: tracker,
		typing:   make(map[string]*typing.Coordinator),
	}, nil
}

// Start begins presence tracking and connects.
func (c *Client) Start() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.presence.Start()
	c.manager.Connect()
	return nil
}

// Close disposes every typing coordinator (sending final stops), stops
// presence (sending a final offline) and then disconnects. Later calls are
// no-ops.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	coords := make([]*typing.Coordinator, 0, len(c.typing))
	for _, coord := range c.typing {
		coords = append(coords, coord)
	}
	c.typing = make(map[string]*typing.Coordinator)
	c.mu.Unlock()

	for _, coord := range coords {
		coord.Close()
	}
	c.presence.Stop()
	c.manager.Close()
	c.logger.Info("client closed")
}

// Typing returns the coordinator for threadID, creating it on first use.
// It returns nil after Close.
func (c *Client) Typing(threadID string) *typing.Coordinator {
	threadID = strings.TrimSpace(threadID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || threadID == "" {
		return nil
	}
	if coord, ok := c.typing[threadID]; ok {
		return coord
	}
	conn := c.cfg.Connection
	coord := typing.NewCoordinator(c.manager, typing.Config{
		ThreadID:      threadID,
		UserID:        conn.UserID,
		UserName:      conn.UserName,
		Debounce:      c.cfg.Typing.Debounce,
		Timeout:       c.cfg.Typing.Timeout,
		SweepInterval: c.cfg.Typing.SweepInterval,
		ActionFrames:  c.cfg.Typing.ActionFrames,
		Clock:         c.clock,
		Logger:        c.logger,
		Metrics:       c.metrics,
	})
	c.typing[threadID] = coord
	return coord
}

// ReleaseTyping closes and forgets the coordinator for threadID, as when a
// conversation view is left.
func (c *Client) ReleaseTyping(threadID string) {
	c.mu.Lock()
	coord, ok := c.typing[threadID]
	delete(c.typing, threadID)
	c.mu.Unlock()
	if ok {
		coord.Close()
	}
}

// HandleInputChange forwards a keystroke in threadID to its coordinator.
func (c *Client) HandleInputChange(threadID string) {
	if coord := c.Typing(threadID); coord != nil {
		coord.HandleInputChange()
	}
}

// TypingUsers returns the peers typing in threadID. The result is never nil.
func (c *Client) TypingUsers(threadID string) []typing.User {
	if coord := c.Typing(threadID); coord != nil {
		return coord.TypingUsers()
	}
	return []typing.User{}
}

// Presence returns the presence tracker.
func (c *Client) Presence() *presence.Tracker {
	return c.presence
}

// SetStatus changes the local user's presence status.
func (c *Client) SetStatus(status protocol.Status) error {
	return c.presence.SetStatus(status)
}

// IsOnline reports whether userID is online.
func (c *Client) IsOnline(userID string) bool {
	return c.presence.IsOnline(userID)
}

// OnlineCount returns the number of peers online.
func (c *Client) OnlineCount() int {
	return c.presence.OnlineCount()
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// ReconnectAttempt returns the current reconnect attempt, 0 when not
// reconnecting.
func (c *Client) ReconnectAttempt() int {
	return c.manager.ReconnectAttempt()
}

// State returns the connection state.
func (c *Client) State() realtime.State {
	return c.manager.State()
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(realtime.StateEvent)) func() {
	return c.manager.OnStateChange(fn)
}

// Send publishes an application frame. Frames are dropped while disconnected.
func (c *Client) Send(kind string, payload any) error {
	return c.manager.Publish(kind, payload)
}

// Subscribe registers h for inbound application frames of kind.
func (c *Client) Subscribe(kind string, h realtime.Handler) func() {
	return c.manager.Subscribe(kind, h)
}

// Manager exposes the underlying connection manager.
func (c *Client) Manager() *realtime.Manager {
	return c.manager
}
