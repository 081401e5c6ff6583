package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lua-bridge/message"
)

// ErrDeadline is returned when the Timeout middleware gives up on a call.
var ErrDeadline = errors.New("request timed out")

// Timeout bounds the time spent in next. The handler keeps running in its own goroutine
// after the deadline, and its context is cancelled so a well-behaved handler stops early.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result json.RawMessage
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", call.Method, ErrDeadline)
			}
		}
	}
}
