package transport

import (
	"time"

	"go.uber.org/zap"

	"frame-rpc/codec"
)

type options struct {
	timeout   time.Duration
	heartbeat time.Duration
	codec     codec.Codec
	logger    *zap.Logger
}

func defaultOptions() options {
	return options{
		timeout: DefaultTimeout,
		codec:   codec.Default,
	}
}

// Option configures a ClientTransport.
type Option func(*options)

// WithTimeout sets the per-request timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHeartbeat sends an empty keepalive frame every interval. Zero disables it (the default).
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// WithCodec replaces the payload codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger. Nil means no logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
