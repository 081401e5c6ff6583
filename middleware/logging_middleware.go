package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"lua-bridge/message"
)

// Logging records method, duration and outcome of every call at debug level, failures at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, call)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("rpc call failed",
					zap.String("method", call.Method),
					zap.Duration("duration", duration),
					zap.Error(err))
				return result, err
			}
			logger.Debug("rpc call",
				zap.String("method", call.Method),
				zap.Duration("duration", duration),
				zap.Int("result_bytes", len(result)))
			return result, nil
		}
	}
}
