package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultPongWait         = 45 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// WebSocketConfig tunes the websocket dialer and keepalive.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	// PingInterval is how often a ping is written. It must be shorter than
	// PongWait or healthy connections will time out.
	PingInterval time.Duration
	// PongWait is the read deadline, extended on every pong and message.
	PongWait  time.Duration
	WriteWait time.Duration
	ReadLimit int64
	Header    http.Header
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// WebSocketDialer dials the sync endpoint over gorilla/websocket.
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer with the given configuration.
func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	config = config.withDefaults()
	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   8192,
			WriteBufferSize:  8192,
		},
	}
}

// Dial opens a websocket connection and starts its keepalive loop.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWSConn(ws, d.config), nil
}

type wsConn struct {
	conn   *websocket.Conn
	config WebSocketConfig

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, config WebSocketConfig) *wsConn {
	c := &wsConn{
		conn:   ws,
		config: config,
		done:   make(chan struct{}),
	}
	ws.SetReadLimit(config.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(config.PongWait)) //nolint:errcheck
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(config.PongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteWait)) //nolint:errcheck
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// A failed ping means the peer is gone; closing unblocks the reader.
				_ = c.conn.Close()
				return
			}
		}
	}
}
