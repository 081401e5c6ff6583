// Package middleware wraps JSON-RPC call handling in composable layers.
//
// The same HandlerFunc shape serves both directions: the client's outbound pipeline ends in
// the multiplexer's round trip, and the server's inbound pipeline ends in service dispatch.
package middleware

import (
	"context"
	"encoding/json"

	"lua-bridge/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) (json.RawMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ForMethods applies mw only to calls whose method is listed; other calls skip it.
func ForMethods(mw Middleware, methods ...string) Middleware {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return func(next HandlerFunc) HandlerFunc {
		wrapped := mw(next)
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			if set[call.Method] {
				return wrapped(ctx, call)
			}
			return next(ctx, call)
		}
	}
}
