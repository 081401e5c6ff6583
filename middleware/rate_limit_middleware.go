package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"lua-bridge/message"
)

// ErrRateLimited is returned when a call is rejected by RateLimit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit admits calls through a token bucket of r per second with the given burst.
// Calls over the limit fail immediately rather than queueing.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%s: %w", call.Method, ErrRateLimited)
			}
			return next(ctx, call)
		}
	}
}
