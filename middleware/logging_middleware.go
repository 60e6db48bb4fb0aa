package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"frame-rpc/message"
)

// LoggingMiddleware logs every render with its id, duration and failure, if any.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			value, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("render failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("rendered", fields...)
			}
			return value, err
		}
	}
}
