package middleware

import (
	"context"
	"time"

	"frame-rpc/message"
)

type result struct {
	value any
	err   error
}

// TimeOutMiddleware fails a render with ErrRenderTimeout if it takes longer than timeout.
// The render itself keeps running; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				v, err := next(ctx, req)
				done <- result{v, err}
			}()

			select {
			case r := <-done:
				return r.value, r.err
			case <-ctx.Done():
				return nil, ErrRenderTimeout
			}
		}
	}
}
