// Package transport provides the message-oriented socket used by the sync
// connection manager.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a single open, message-framed connection.
//
// ReadMessage is called from one goroutine only. WriteMessage may be called
// from any goroutine. Close may be called at any time and unblocks a pending
// ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections to the sync endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
