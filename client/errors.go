package client

import (
	"errors"
	"fmt"

	"lua-bridge/connection"
)

var (
	// ErrNotConnected is returned by Call when the connection cannot send.
	// It is the same value the connection package reports.
	ErrNotConnected = connection.ErrNotConnected
	ErrTimeout      = errors.New("request timed out")
	ErrDisposed     = errors.New("client disposed")
	ErrEmptyMethod  = errors.New("method name is empty")
)

// CallError is returned by every failed Call. Err is one of the sentinels above,
// a *message.RPCError from the peer, a send failure or a context error.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
