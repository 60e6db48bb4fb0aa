// Package registry lets servers advertise themselves and clients discover them.
package registry

import "context"

// ServiceInstance is one server reachable for a service name.
type ServiceInstance struct {
	Addr    string
	Network string // "tcp" when empty
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
