// Package client locates a host for a runner through the registry and keeps
// one bridge per host address.
package client

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"worker-runner/bridge"
	"worker-runner/codec"
	"worker-runner/config"
	"worker-runner/loadbalance"
	"worker-runner/logx"
	"worker-runner/registry"
	"worker-runner/transport"
)

type Client struct {
	registry registry.Registry // find hosts serving a runner
	balancer loadbalance.Balancer
	cfg      config.Bridge

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge // one multiplexed bridge per host address
	closed  bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, cfg config.Bridge) *Client {
	return &Client{
		registry: reg,
		balancer: bal,
		cfg:      cfg,
		bridges:  make(map[string]*bridge.Bridge),
	}
}

// Dial opens a new transport to ep and starts a bridge on it.
func Dial(ctx context.Context, ep registry.Endpoint, cfg config.Bridge) (*bridge.Bridge, error) {
	tr, err := dialTransport(ctx, ep, cfg)
	if err != nil {
		return nil, err
	}
	return bridge.New(tr, cfg), nil
}

func dialTransport(ctx context.Context, ep registry.Endpoint, cfg config.Bridge) (transport.Transport, error) {
	switch ep.Transport {
	case "", "tcp":
		ct, err := codec.ParseCodecType(cfg.Codec)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", ep.Addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", ep.Addr)
		}
		return transport.NewStreamTransport(conn, ct), nil
	case "ws":
		url := ep.Addr
		if !strings.Contains(url, "://") {
			url = "ws://" + url + "/connect"
		}
		tr, err := transport.DialWebSocket(ctx, url)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", url)
		}
		return tr, nil
	}
	return nil, errors.Newf("unknown transport %q for %s", ep.Transport, ep.Addr)
}

// bridgeFor returns the shared bridge to ep, dialing a new one when there is
// none or the previous one has stopped.
func (c *Client) bridgeFor(ctx context.Context, ep registry.Endpoint) (*bridge.Bridge, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client closed")
	}
	if br, ok := c.bridges[ep.Addr]; ok {
		select {
		case <-br.Done():
			delete(c.bridges, ep.Addr)
		default:
			c.mu.Unlock()
			return br, nil
		}
	}
	c.mu.Unlock()

	br, err := Dial(ctx, ep, c.cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.bridges[ep.Addr]; ok && !isDone(prev) {
		// Lost a dial race; keep the first bridge.
		go br.Close()
		return prev, nil
	}
	if c.closed {
		go br.Close()
		return nil, errors.New("client closed")
	}
	c.bridges[ep.Addr] = br
	logx.Log.Debug().Str("addr", ep.Addr).Str("bridge_id", br.ID()).Msg("bridge dialed")
	return br, nil
}

func isDone(br *bridge.Bridge) bool {
	select {
	case <-br.Done():
		return true
	default:
		return false
	}
}

// Connect discovers the hosts serving runner, picks one for key and opens a
// connection to it, optionally through nested links named by path.
func (c *Client) Connect(ctx context.Context, runner, key string, path ...string) (*bridge.Connection, error) {
	endpoints, err := c.registry.Discover(ctx, runner)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", runner)
	}
	ep, err := c.balancer.Pick(endpoints, key)
	if err != nil {
		return nil, errors.Wrapf(err, "pick host for %s", runner)
	}
	br, err := c.bridgeFor(ctx, *ep)
	if err != nil {
		return nil, err
	}
	return br.Connect(ctx, path...)
}

// Instantiate connects to a host serving runner and creates an instance.
func (c *Client) Instantiate(ctx context.Context, runner, key string, args ...any) (*bridge.Handle, error) {
	conn, err := c.Connect(ctx, runner, key)
	if err != nil {
		return nil, err
	}
	h, err := conn.Instantiate(ctx, runner, args...)
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Close stops every bridge; their pending calls fail with ConnectionLost.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	bridges := c.bridges
	c.bridges = make(map[string]*bridge.Bridge)
	c.mu.Unlock()

	for _, br := range bridges {
		br.Close()
	}
	return nil
}
