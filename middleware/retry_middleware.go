package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"lua-bridge/message"
)

// Retry re-issues a call up to maxRetries times while retryable(err) holds, sleeping
// baseDelay * 2^i before retry i. Every retry goes back through next, so the multiplexer
// assigns it a fresh correlation id.
//
// Only install Retry for idempotent methods: a timed-out execute may still have run.
func Retry(maxRetries int, baseDelay time.Duration, retryable func(error) bool, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return result, err
				}
				logger.Info("retrying rpc call",
					zap.String("method", call.Method),
					zap.Int("attempt", i+1),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}
