// Package transport provides the raw duplex channel the connection manager sits on.
//
// A Conn is ordered, reliable and message-delimited: every WriteMessage on one end comes
// out of exactly one ReadMessage on the other, in order. Three implementations exist:
//
//	WebSocket  text frames over gorilla/websocket (the normal deployment)
//	TCP        length-prefixed frames from package protocol
//	Pipe       in-memory pair, used by tests and in-process targets
//
// Conns allow one reader and one writer at a time. The connection manager owns both ends
// of that contract, so implementations do not need to defend against concurrent reads.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed Conn or Listener.
var ErrClosed = errors.New("transport: closed")

type Conn interface {
	// ReadMessage blocks until the next complete message arrives.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one complete message.
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to an endpoint such as "ws://localhost:8765/" or "tcp://10.0.0.2:9000".
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

// Listener hands out inbound Conns for the server role.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	// Addr returns an endpoint string a Dialer can connect to.
	Addr() string
	Close() error
}
