// Package loadbalance picks which host a bridge connects to when more than
// one host serves the same runner.
//
// Three strategies are implemented:
//   - RoundRobin:      hosts of equal capacity
//   - WeightedRandom:  heterogeneous hosts (different CPU/memory)
//   - ConsistentHash:  sessions that must land on the same host again, e.g.
//     to re-attach a handle to an instance created earlier
package loadbalance

import (
	"errors"
	"fmt"

	"worker-runner/registry"
)

// ErrNoEndpoints is returned when the registry lists no host for a runner.
var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before dialing a host.
type Balancer interface {
	// Pick selects one endpoint for key. Strategies without affinity ignore
	// key. Must be goroutine-safe.
	Pick(endpoints []registry.Endpoint, key string) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
