package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"frame-rpc/message"
)

// Temporary marks a render failure worth retrying.
type Temporary interface {
	Temporary() bool
}

func retryable(err error) bool {
	if errors.Is(err, ErrRenderTimeout) {
		return true
	}
	var t Temporary
	return errors.As(err, &t) && t.Temporary()
}

// RetryMiddleware re-runs a render that failed with a retryable error, up to maxRetries
// more times, with exponential backoff starting at baseDelay. Place it outside
// TimeOutMiddleware so each attempt gets its own deadline.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			value, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				logger.Debug("retrying render", zap.String("id", req.ID), zap.Int("attempt", i+1), zap.Error(err))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				value, err = next(ctx, req)
			}
			return value, err
		}
	}
}
