package bridge

import (
	"context"
	"slices"
	"sync"
	"time"

	"worker-runner/destroy"
	"worker-runner/eventstream"
	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/metrics"
	"worker-runner/rpcerr"
)

// State is the lifecycle of a connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

// abandonTimeout bounds the best-effort DESTROY sent for a given-up connection.
const abandonTimeout = time.Second

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	}
	return "UNKNOWN"
}

// Connection is one (possibly nested) link from this bridge to a host.
//
//	DISCONNECTED ─CONNECT→ CONNECTING ─ack→ CONNECTED ─DESTROY / lost / closed→ DISCONNECTED
type Connection struct {
	bridge *Bridge
	id     uint32
	path   []string

	mu     sync.Mutex
	state  State
	closed bool
	err    error
	cancel context.CancelFunc // stops the heartbeat

	handshake chan *message.Frame
	pingAck   chan struct{}
	done      chan struct{}

	states eventstream.Hub[State]
	lost   destroy.Target // interrupts every pending call on shutdown
}

func newConnection(b *Bridge, id uint32, path []string) *Connection {
	return &Connection{
		bridge:    b,
		id:        id,
		path:      slices.Clone(path),
		handshake: make(chan *message.Frame, 1),
		pingAck:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID is the connection id carried by every frame of this connection.
func (c *Connection) ID() uint32 { return c.id }

// Path is the list of nested links the connection traverses.
func (c *Connection) Path() []string { return slices.Clone(c.path) }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection was shut down, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection reaches DISCONNECTED for good.
func (c *Connection) Done() <-chan struct{} { return c.done }

// States streams state transitions. The stream ends after DISCONNECTED.
func (c *Connection) States() *eventstream.Stream[State] {
	return eventstream.New[State](&c.states)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.states.Emit(s)
}

func (c *Connection) lostErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return rpcerr.ConnectionLost("connection %d closed", c.id)
}

// CreateHandle binds an existing remote instance id to this connection.
func (c *Connection) CreateHandle(instanceID uint32) *Handle {
	return &Handle{conn: c, id: instanceID}
}

// Instantiate asks the host to create a runner instance.
func (c *Connection) Instantiate(ctx context.Context, runner string, args ...any) (*Handle, error) {
	raw, err := message.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	pc, err := c.start(ctx, nil, "init", &message.Frame{
		Action:  message.ActionInit,
		Payload: message.MustPayload(message.InitPayload{Runner: runner, Args: raw}),
	}, nil)
	if err != nil {
		return nil, err
	}
	f, err := pc.wait(ctx)
	if err != nil {
		return nil, err
	}
	if f.InstanceID == 0 {
		return nil, rpcerr.ProtocolViolation("INIT reply without instance id")
	}
	return c.CreateHandle(f.InstanceID), nil
}

// Close destroys the remote session and moves the connection to
// DISCONNECTED. Pending calls fail with ConnectionLost.
func (c *Connection) Close(ctx context.Context) error {
	if c.State() == Connected {
		pc, err := c.start(ctx, nil, "destroy", &message.Frame{Action: message.ActionDestroy}, nil)
		if err == nil {
			if err := c.awaitAck(ctx, pc); err != nil {
				c.shutdown(rpcerr.ConnectionLost("connection %d closed", c.id))
				return err
			}
		}
	}
	c.shutdown(rpcerr.ConnectionLost("connection %d closed", c.id))
	return nil
}

// start registers a pending call and sends f on this connection. onEvent is
// set for streaming calls.
func (c *Connection) start(ctx context.Context, h *Handle, kind string, f *message.Frame, onEvent func(*message.Frame, error)) (*pendingCall, error) {
	c.mu.Lock()
	state, cerr := c.state, c.err
	c.mu.Unlock()
	if state != Connected {
		if cerr == nil {
			cerr = rpcerr.ConnectionLost("connection %d is %s", c.id, state)
		}
		return nil, cerr
	}

	pc := c.bridge.register(c, h, kind, onEvent)
	f.RequestID = pc.id
	f.ConnectionID = c.id

	if h != nil {
		id := h.target.AddDestroyHandler(func() error {
			pc.interrupt(h.destroyedErr())
			return nil
		})
		pc.mu.Lock()
		pc.handleReg = id
		pc.mu.Unlock()
	}
	connReg := c.lost.AddDestroyHandler(func() error {
		pc.interrupt(c.lostErr())
		return nil
	})
	pc.mu.Lock()
	pc.connReg = connReg
	settled := pc.settled
	if timeout := c.bridge.cfg.CallTimeout; timeout > 0 && !settled && (kind == "call" || kind == "init") {
		pc.timer = time.AfterFunc(timeout, func() {
			pc.interrupt(rpcerr.CallTimeout("request %d exceeded %v", pc.id, timeout))
		})
	}
	pc.mu.Unlock()
	if settled {
		// Interrupted while registering; drop the registrations made above.
		if h != nil {
			h.target.RemoveDestroyHandler(pc.handleReg)
		}
		c.lost.RemoveDestroyHandler(connReg)
		return nil, unwrapInterrupt(pc.fut.Err())
	}

	if err := c.bridge.send(ctx, f); err != nil {
		if pc.settle() {
			pc.record("send_failed")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, rpcerr.ConnectionLost("send %s on connection %d: %v", f.Action, c.id, err)
	}
	return pc, nil
}

// unsubscribe ends a stream early and tells the host to stop producing.
func (c *Connection) unsubscribe(reqID uint32) {
	pc := c.bridge.lookup(reqID)
	if pc == nil || !pc.settle() {
		return
	}
	pc.record("unsubscribed")
	f := &message.Frame{Action: message.ActionStreamEnd, RequestID: reqID, ConnectionID: c.id}
	if pc.handle != nil {
		f.InstanceID = pc.handle.id
	}
	if err := c.bridge.send(c.bridge.ctx, f); err != nil {
		logx.Log.Debug().Err(err).Uint32("request_id", reqID).Msg("unsubscribe not sent")
	}
}

// awaitAck waits for DESTROYED for at most the destroy grace period. A
// missing acknowledgment is not an error.
func (c *Connection) awaitAck(ctx context.Context, pc *pendingCall) error {
	grace := c.bridge.cfg.DestroyGrace
	if grace <= 0 {
		pc.settle()
		return nil
	}
	gctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if _, err := pc.wait(gctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logx.Log.Debug().Err(err).Str("bridge_id", c.bridge.id).Uint32("connection_id", c.id).Msg("destroy not acknowledged")
	}
	return nil
}

func (c *Connection) onHandshake(f *message.Frame) {
	select {
	case c.handshake <- f:
	default:
		c.bridge.dropFrame(f, "duplicate handshake")
	}
}

func (c *Connection) onPingAck() {
	select {
	case c.pingAck <- struct{}{}:
	default:
	}
}

func (c *Connection) connected() {
	ctx, cancel := context.WithCancel(c.bridge.ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.setState(Connected)
	logx.Log.Debug().Str("bridge_id", c.bridge.id).Uint32("connection_id", c.id).Strs("path", c.path).Msg("connected")
	if c.bridge.cfg.PingInterval > 0 {
		c.bridge.group.Go(func() error {
			c.heartbeat(ctx)
			return nil
		})
	}
}

// heartbeat probes the connection. A missing ack within PingTimeout loses
// the connection and fails every pending call on it.
func (c *Connection) heartbeat(ctx context.Context) {
	cfg := c.bridge.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case <-c.pingAck:
		default:
		}
		if err := c.bridge.send(ctx, &message.Frame{Action: message.ActionPing, ConnectionID: c.id}); err != nil {
			if ctx.Err() == nil {
				c.lose(rpcerr.ConnectionLost("ping on connection %d: %v", c.id, err), "ping_send")
			}
			return
		}
		timer := time.NewTimer(cfg.PingTimeout)
		select {
		case <-c.pingAck:
			timer.Stop()
		case <-timer.C:
			c.lose(rpcerr.ConnectionLost("no ping ack on connection %d within %v", c.id, cfg.PingTimeout), "ping_timeout")
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// lose shuts the connection down because the far side stopped answering.
func (c *Connection) lose(cause error, reason string) {
	if !c.shutdown(cause) {
		return
	}
	metrics.RecordConnectionLost(reason)
	logx.Log.Warn().Err(cause).Str("bridge_id", c.bridge.id).Uint32("connection_id", c.id).Msg("connection lost")
	if reason != "remote" {
		c.abandon()
	}
}

// abandon sends DESTROY for the whole session after the connection was given
// up locally, so hosts along the path drop their state for it. Nobody waits
// for the DESTROYED; it is dropped as an unknown request.
func (c *Connection) abandon() {
	f := &message.Frame{Action: message.ActionDestroy, RequestID: c.bridge.spareRequestID(), ConnectionID: c.id}
	ctx, cancel := context.WithTimeout(c.bridge.ctx, abandonTimeout)
	defer cancel()
	if err := c.bridge.send(ctx, f); err != nil {
		logx.Log.Debug().Err(err).Str("bridge_id", c.bridge.id).Uint32("connection_id", c.id).Msg("abandon not sent")
	}
}

// shutdown moves the connection to DISCONNECTED for good and interrupts its
// pending calls. It reports false if the connection was already shut down.
func (c *Connection) shutdown(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.state = Disconnected
	c.err = cause
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.bridge.removeConn(c)
	c.lost.Destroy()
	close(c.done)
	c.states.Emit(Disconnected)
	c.states.End()
	return true
}
