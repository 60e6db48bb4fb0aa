package server

import (
	"time"

	"go.uber.org/zap"

	"frame-rpc/codec"
	"frame-rpc/registry"
)

// ErrorFormatter turns a render failure into the text sent in the error response.
type ErrorFormatter func(err error) string

func defaultFormatter(err error) string {
	return err.Error()
}

type options struct {
	formatter ErrorFormatter
	codec     codec.Codec
	logger    *zap.Logger

	registry      registry.Registry // nil if not using discovery
	serviceName   string
	advertiseAddr string // Address registered in etcd; differs from ":8080" because etcd needs a routable IP
	ttl           int64
}

// Option configures a Server.
type Option func(*options)

// WithErrorFormatter replaces the default formatter, which renders err.Error().
func WithErrorFormatter(f ErrorFormatter) Option {
	return func(o *options) {
		if f != nil {
			o.formatter = f
		}
	}
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegistry advertises the server as serviceName at advertiseAddr once it is listening,
// with a lease of ttl (10s if zero), and deregisters it on Shutdown.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl time.Duration) Option {
	return func(o *options) {
		o.registry = reg
		o.serviceName = serviceName
		o.advertiseAddr = advertiseAddr
		o.ttl = int64(ttl / time.Second)
		if o.ttl <= 0 {
			o.ttl = 10
		}
	}
}
