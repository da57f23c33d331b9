package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]map[string]Endpoint // runner -> addr -> endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, runner string, ep Endpoint, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[runner] == nil {
		m.entries[runner] = make(map[string]Endpoint)
	}
	m.entries[runner][ep.Addr] = ep
	m.notifyLocked(runner)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, runner string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[runner], addr)
	m.notifyLocked(runner)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, runner string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(runner), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, runner string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	m.watchers[runner] = append(m.watchers[runner], ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[runner]
		for i, w := range ws {
			if w == ch {
				m.watchers[runner] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) listLocked(runner string) []Endpoint {
	eps := make([]Endpoint, 0, len(m.entries[runner]))
	for _, ep := range m.entries[runner] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr < eps[j].Addr })
	return eps
}

// notifyLocked replaces any unread update so a slow watcher only ever sees
// the latest list.
func (m *MemoryRegistry) notifyLocked(runner string) {
	eps := m.listLocked(runner)
	for _, w := range m.watchers[runner] {
		select {
		case <-w:
		default:
		}
		w <- eps
	}
}
