package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sync"

	"worker-runner/registry"
)

// ConsistentHashBalancer maps a session key to a host using a hash ring, so
// the same key reaches the same host until the set of hosts changes. Instance
// ids are only meaningful on the host that allocated them.
//
// Each endpoint is placed on the ring as replicas virtual nodes to keep the
// distribution even with few hosts.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	addrs []string // endpoint set the ring was built from
	ring  []uint32
	nodes map[uint32]string
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick finds the endpoint responsible for key. The ring is rebuilt whenever
// the endpoint set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint, key string) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	slices.Sort(addrs)

	b.mu.Lock()
	if !slices.Equal(addrs, b.addrs) {
		b.build(addrs)
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	// 二分查找第一个 >= hash 的节点，越界则回到环首
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range endpoints {
		if endpoints[i].Addr == addr {
			return &endpoints[i], nil
		}
	}
	return nil, fmt.Errorf("hash ring out of sync for %q", addr)
}

func (b *ConsistentHashBalancer) build(addrs []string) {
	b.addrs = addrs
	b.ring = make([]uint32, 0, len(addrs)*b.replicas)
	b.nodes = make(map[uint32]string, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
