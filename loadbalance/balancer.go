// Package loadbalance provides load balancing strategies for distributing
// render requests across multiple server instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless renderers, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Renderers with per-context caches; the same key sticks to one instance
package loadbalance

import (
	"errors"

	"frame-rpc/registry"
)

// ErrNoInstances is returned when Pick is given an empty instance list.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each request to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the request's
	// routing context; strategies that do not need affinity ignore it.
	// Called on every request, so it must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin", "weighted_random"
// or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.New("unknown balancer: " + name)
	}
}
