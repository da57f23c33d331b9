// Package server implements the host side of the bridge: it owns runner
// instances, executes their methods and forwards nested connections.
//
// Frame processing pipeline:
//
//	ServeTransport → peer.serve (single goroutine reads frames)
//	  → CONNECT: open a session, or forward to a nested link
//	  → INIT / CALL: go run (parallel) → Middleware Chain → capability table → RESULT / STREAM_* / ERROR
//	  → DESTROY: cancel the instance's calls, close it, DESTROYED
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"worker-runner/codec"
	"worker-runner/logx"
	"worker-runner/middleware"
	"worker-runner/registry"
	"worker-runner/transport"
)

// Host serves runner instances to any number of upstream transports.
type Host struct {
	id    string
	codec codec.CodecType

	runnersMu   sync.RWMutex
	runners     map[string]Factory
	middlewares []middleware.Middleware
	handlerOnce sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(invoke)))

	mu        sync.Mutex
	peers     map[*peer]struct{}
	nested    map[string]*nestedLink
	listeners []net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	wg            sync.WaitGroup // in-flight INIT and CALL work, for graceful shutdown
	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string
	registryTTL   int64
	routeGrace    time.Duration
}

// NewHost creates a host with no runners registered.
func NewHost() *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		id:      uuid.NewString(),
		runners: make(map[string]Factory),
		peers:   make(map[*peer]struct{}),
		nested:  make(map[string]*nestedLink),
		ctx:     ctx,
		cancel:  cancel,

		registryTTL: 10,
		routeGrace:  5 * time.Second,
	}
}

func (h *Host) ID() string { return h.id }

// SetCodec selects the body codec for frames written on TCP connections.
func (h *Host) SetCodec(ct codec.CodecType) { h.codec = ct }

// SetRegistryTTL sets the lease, in seconds, used when Serve registers runners.
func (h *Host) SetRegistryTTL(ttl int64) {
	if ttl > 0 {
		h.registryTTL = ttl
	}
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before the first call is served.
func (h *Host) Use(mw middleware.Middleware) {
	h.middlewares = append(h.middlewares, mw)
}

// Register exposes a runner under name.
func (h *Host) Register(name string, f Factory) {
	h.runnersMu.Lock()
	defer h.runnersMu.Unlock()
	h.runners[name] = f
}

// RegisterReceiver exposes a reflected receiver type. ctor is called once
// here to validate the method set and once per INIT afterwards.
func (h *Host) RegisterReceiver(name string, ctor func() any) error {
	if _, err := NewCapabilities(ctor()); err != nil {
		return err
	}
	h.Register(name, ReceiverFactory(ctor))
	return nil
}

// Runners lists the registered runner names.
func (h *Host) Runners() []string {
	h.runnersMu.RLock()
	defer h.runnersMu.RUnlock()
	names := make([]string, 0, len(h.runners))
	for n := range h.runners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (h *Host) factory(name string) (Factory, bool) {
	h.runnersMu.RLock()
	defer h.runnersMu.RUnlock()
	f, ok := h.runners[name]
	return f, ok
}

func (h *Host) chain() middleware.HandlerFunc {
	h.handlerOnce.Do(func() {
		h.handler = middleware.Chain(h.middlewares...)(h.invoke)
	})
	return h.handler
}

// AddNested attaches a transport to a further host. Upstream clients reach it
// by naming it in their CONNECT path.
func (h *Host) AddNested(name string, tr transport.Transport) error {
	h.mu.Lock()
	if _, ok := h.nested[name]; ok {
		h.mu.Unlock()
		return fmt.Errorf("nested host %q already attached", name)
	}
	link := &nestedLink{name: name, host: h, tr: tr}
	h.nested[name] = link
	h.mu.Unlock()

	go link.serve()
	return nil
}

func (h *Host) nestedLink(name string) *nestedLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nested[name]
}

func (h *Host) removeNested(link *nestedLink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nested[link.name] == link {
		delete(h.nested, link.name)
	}
}

// SetRouteGrace bounds how long a forwarded connection id stays reserved
// after DESTROY was sent down without an acknowledgment.
func (h *Host) SetRouteGrace(d time.Duration) {
	if d > 0 {
		h.routeGrace = d
	}
}

// NestedStatus describes one attached nested host.
type NestedStatus struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	Closing     int    `json:"closing"`
	Lost        bool   `json:"lost"`
}

// Status is a point-in-time summary for health endpoints.
type Status struct {
	ID      string         `json:"id"`
	Runners []string       `json:"runners"`
	Peers   int            `json:"peers"`
	Nested  []NestedStatus `json:"nested"`
}

func (h *Host) Status() Status {
	h.mu.Lock()
	st := Status{ID: h.id, Peers: len(h.peers), Nested: []NestedStatus{}}
	links := make([]*nestedLink, 0, len(h.nested))
	for _, l := range h.nested {
		links = append(links, l)
	}
	h.mu.Unlock()
	for _, l := range links {
		st.Nested = append(st.Nested, l.status())
	}
	sort.Slice(st.Nested, func(i, j int) bool { return st.Nested[i].Name < st.Nested[j].Name })
	st.Runners = h.Runners()
	return st
}

// ServeTransport serves one upstream peer until its transport fails or the
// host shuts down. The transport is closed on return.
func (h *Host) ServeTransport(tr transport.Transport) error {
	if h.shutdown.Load() {
		tr.Close()
		return errors.New("host is shutting down")
	}
	p := newPeer(h, tr)
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	return p.serve()
}

func (h *Host) removePeer(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

// Serve listens on address, registers every runner under advertiseAddr when
// reg is non-nil, then accepts framed TCP connections.
//
// advertiseAddr differs from the listen address because ":7070" is not
// routable for remote clients.
func (h *Host) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if reg != nil {
		h.registry = reg
		h.advertiseAddr = advertiseAddr
		for _, name := range h.Runners() {
			ep := registry.Endpoint{Addr: advertiseAddr, Transport: "tcp", HostID: h.id}
			if err := reg.Register(h.ctx, name, ep, h.registryTTL); err != nil {
				l.Close()
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}
	return h.ServeListener(l)
}

// ServeListener accepts framed TCP connections on l.
func (h *Host) ServeListener(l net.Listener) error {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
	logx.Log.Info().Str("host_id", h.id).Str("addr", l.Addr().String()).Msg("host listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener during shutdown makes Accept fail.
			if h.shutdown.Load() {
				return nil
			}
			return err
		}
		go h.ServeTransport(transport.NewStreamTransport(conn, h.codec))
	}
}

// WebSocketHandler upgrades requests and serves each socket as a peer.
func (h *Host) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		if err := h.ServeTransport(transport.NewWebSocketTransport(conn)); err != nil {
			logx.Log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket peer closed")
		}
	})
}

// Shutdown performs graceful shutdown:
//  1. Deregister all runners (clients stop dialing this host)
//  2. Set the shutdown flag and close listeners
//  3. Wait for in-flight calls to finish, up to timeout
//  4. Tear down every peer session and nested link
func (h *Host) Shutdown(timeout time.Duration) error {
	if h.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range h.Runners() {
			if err := h.registry.Deregister(ctx, name, h.advertiseAddr); err != nil {
				logx.Log.Warn().Err(err).Str("runner", name).Msg("deregister failed")
			}
		}
		cancel()
	}

	h.shutdown.Store(true)
	h.mu.Lock()
	for _, l := range h.listeners {
		l.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing calls to finish")
	}

	h.cancel()
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	links := make([]*nestedLink, 0, len(h.nested))
	for _, l := range h.nested {
		links = append(links, l)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.tr.Close()
	}
	for _, l := range links {
		l.tr.Close()
	}
	return err
}
