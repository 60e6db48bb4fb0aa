// Package middleware wraps render handlers with cross-cutting behaviour.
//
// Middlewares compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"
	"errors"

	"frame-rpc/message"
)

// HandlerFunc renders one request. The returned error becomes an error response.
type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

var (
	// ErrRenderTimeout is returned when a render does not finish within TimeoutMiddleware's limit.
	ErrRenderTimeout = errors.New("render timed out")
	// ErrRateLimited is returned when RateLimitMiddleware rejects a request.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
