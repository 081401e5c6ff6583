package client

import (
	"time"

	"go.uber.org/zap"

	"lua-bridge/clock"
	"lua-bridge/codec"
)

const DefaultTimeout = 30 * time.Second

type Option func(*Client)

func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithScheduler replaces the timer source used for per-call timeouts.
func WithScheduler(s clock.Scheduler) Option {
	return func(cl *Client) { cl.scheduler = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithDefaultTimeout sets the timeout used by calls that do not pass WithTimeout.
// Non-positive values are ignored.
func WithDefaultTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

// WithTimeout overrides the client's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
