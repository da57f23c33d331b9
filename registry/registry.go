// Package registry publishes which hosts serve which runners.
package registry

import "context"

// Endpoint is one host address that can instantiate a runner.
type Endpoint struct {
	Addr      string `json:"addr"`
	Transport string `json:"transport,omitempty"` // "tcp" (default) or "ws"
	Weight    int    `json:"weight,omitempty"`    // Weight for load balancing
	Version   string `json:"version,omitempty"`
	HostID    string `json:"hostId,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, runner string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, runner string, addr string) error
	Discover(ctx context.Context, runner string) ([]Endpoint, error)
	// Watch emits the full endpoint list on every change until ctx is done.
	Watch(ctx context.Context, runner string) <-chan []Endpoint
}

// KeyPrefix is the etcd namespace of all registrations.
const KeyPrefix = "/worker-runner/"

func runnerPrefix(runner string) string { return KeyPrefix + runner + "/" }

func endpointKey(runner, addr string) string { return runnerPrefix(runner) + addr }
