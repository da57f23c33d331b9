// Etcd keeps registrations under
//
//	Key:   /worker-runner/{Runner}/{Addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the host crashes, the lease expires
// and the entry is removed, so clients never dial a ghost host.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"worker-runner/logx"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, for Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Register puts ep under a lease of ttl seconds and keeps the lease alive in
// the background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, runner string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	key := endpointKey(runner, ep.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keepalive must outlive the registering request.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		logx.Log.Debug().Str("key", key).Msg("registry keepalive stopped")
	}()
	return nil
}

// Deregister deletes the entry and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, runner string, addr string) error {
	key := endpointKey(runner, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Watch monitors the runner prefix and re-reads the full list on any change.
func (r *EtcdRegistry) Watch(ctx context.Context, runner string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, runnerPrefix(runner), clientv3.WithPrefix())
		for range watchChan {
			eps, err := r.Discover(ctx, runner)
			if err != nil {
				logx.Log.Warn().Err(err).Str("runner", runner).Msg("registry refresh failed")
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns every endpoint currently registered for runner.
func (r *EtcdRegistry) Discover(ctx context.Context, runner string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, runnerPrefix(runner), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			logx.Log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed registry entry")
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Close releases the etcd client; registrations expire with their leases.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
