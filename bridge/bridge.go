// Package bridge is the client side of the worker-runner protocol.
//
// A Bridge multiplexes any number of connections, and any number of calls per
// connection, over one transport. Each request gets a unique request id and a
// single receive goroutine (recvLoop) routes replies to the waiting caller:
//
//	Handle.Call ──CALL(req=1)──┐
//	Handle.Call ──CALL(req=2)──┼──→ transport ──→ host (or nested host)
//	Subscribe   ──CALL(req=3)──┘
//
//	recvLoop: ←── RESULT(req=2) → pending[2] → second caller wakes up
//
// Every pending call is guarded by an interrupter and registered on its
// handle and its connection, so destroying either fails it at once.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"worker-runner/config"
	"worker-runner/interrupter"
	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/metrics"
	"worker-runner/rpcerr"
	"worker-runner/transport"
)

// Bridge owns the routing tables for one transport.
type Bridge struct {
	id  string
	tr  transport.Transport
	cfg config.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group // recvLoop and heartbeats

	mu       sync.Mutex
	nextReq  uint32
	nextConn uint32
	pending  map[uint32]*pendingCall
	conns    map[uint32]*Connection
	closed   bool
	err      error

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a bridge over tr.
func New(tr transport.Transport, cfg config.Bridge) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	b := &Bridge{
		id:      uuid.NewString(),
		tr:      tr,
		cfg:     cfg,
		ctx:     gctx,
		cancel:  cancel,
		group:   g,
		pending: make(map[uint32]*pendingCall),
		conns:   make(map[uint32]*Connection),
		done:    make(chan struct{}),
	}
	g.Go(b.recvLoop)
	return b
}

// ID identifies the bridge in logs.
func (b *Bridge) ID() string { return b.id }

// Done is closed once the bridge has stopped routing frames.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns why the bridge stopped, or nil while it runs.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Connect opens a connection through the nested links named by path; an
// empty path connects to the host at the other end of the transport. It
// fails with HandshakeFailed when the host rejects the CONNECT or does not
// acknowledge it within the handshake timeout.
func (b *Bridge) Connect(ctx context.Context, path ...string) (*Connection, error) {
	c, err := b.newConnection(path)
	if err != nil {
		return nil, err
	}
	c.setState(Connecting)

	f := &message.Frame{
		Action:       message.ActionConnect,
		ConnectionID: c.id,
		Payload:      message.MustPayload(message.ConnectPayload{Path: path}),
	}
	if err := b.send(ctx, f); err != nil {
		err = rpcerr.HandshakeFailed("send CONNECT: %v", err)
		c.shutdown(err)
		return nil, err
	}

	hctx := ctx
	if t := b.cfg.HandshakeTimeout; t > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	select {
	case ack := <-c.handshake:
		if ack.Action == message.ActionError {
			err := error(rpcerr.FromCaptured(ack.Error))
			if !rpcerr.Is(err, rpcerr.ErrHandshakeFailed) {
				err = rpcerr.HandshakeFailed("%v", err)
			}
			c.shutdown(err)
			return nil, err
		}
		c.connected()
		return c, nil
	case <-hctx.Done():
		err := ctx.Err()
		if err == nil {
			err = rpcerr.HandshakeFailed("no CONNECT ack on connection %d within %v", c.id, b.cfg.HandshakeTimeout)
		}
		c.shutdown(err)
		// 中间 host 可能已建立转发，通知其释放
		c.abandon()
		return nil, err
	case <-c.done:
		return nil, c.Err()
	}
}

func (b *Bridge) newConnection(path []string) (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.closedErr()
	}
	for {
		b.nextConn++
		if _, busy := b.conns[b.nextConn]; b.nextConn != 0 && !busy {
			break
		}
	}
	c := newConnection(b, b.nextConn, path)
	b.conns[c.id] = c
	return c, nil
}

func (b *Bridge) closedErr() error {
	if b.err != nil {
		return b.err
	}
	return rpcerr.ConnectionLost("bridge closed")
}

func (b *Bridge) conn(id uint32) *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[id]
}

func (b *Bridge) removeConn(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns[c.id] == c {
		delete(b.conns, c.id)
	}
}

// spareRequestID allocates a request id nobody waits on.
func (b *Bridge) spareRequestID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		b.nextReq++
		if _, busy := b.pending[b.nextReq]; b.nextReq != 0 && !busy {
			return b.nextReq
		}
	}
}

// register allocates a request id that is not outstanding.
func (b *Bridge) register(c *Connection, h *Handle, kind string, onEvent func(*message.Frame, error)) *pendingCall {
	intr := interrupter.New()
	pc := &pendingCall{
		b:       b,
		conn:    c,
		handle:  h,
		kind:    kind,
		start:   time.Now(),
		intr:    intr,
		fut:     intr.Future(),
		results: make(chan *message.Frame, 1),
		onEvent: onEvent,
	}
	b.mu.Lock()
	for {
		b.nextReq++
		if _, busy := b.pending[b.nextReq]; b.nextReq != 0 && !busy {
			break
		}
	}
	pc.id = b.nextReq
	b.pending[pc.id] = pc
	b.mu.Unlock()
	metrics.IncPending()
	return pc
}

func (b *Bridge) lookup(id uint32) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[id]
}

func (b *Bridge) forget(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// Pending returns the number of outstanding requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) send(ctx context.Context, f *message.Frame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return b.tr.Send(ctx, f)
}

func (b *Bridge) recvLoop() error {
	for {
		f, err := b.tr.Recv(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				b.fail(rpcerr.ConnectionLost("bridge closed"), "closed")
				return nil
			}
			b.fail(rpcerr.ConnectionLost("transport: %v", err), "transport")
			return err
		}
		b.dispatch(f)
	}
}

func (b *Bridge) dispatch(f *message.Frame) {
	if err := f.Validate(); err != nil {
		b.dropFrame(f, "malformed")
		return
	}
	switch f.Action {
	case message.ActionPing, message.ActionConnect:
		c := b.conn(f.ConnectionID)
		if !f.Ack || c == nil {
			b.dropFrame(f, "unroutable")
			return
		}
		if f.Action == message.ActionPing {
			c.onPingAck()
		} else {
			c.onHandshake(f)
		}
	case message.ActionError, message.ActionResult, message.ActionStreamEmit, message.ActionStreamEnd, message.ActionDestroyed:
		if f.Action == message.ActionError && f.RequestID == 0 {
			b.connectionError(f)
			return
		}
		pc := b.lookup(f.RequestID)
		if pc == nil {
			// The call may have been interrupted locally already.
			b.dropFrame(f, "unknown request")
			return
		}
		pc.deliver(f)
	default:
		b.dropFrame(f, "unexpected")
	}
}

// connectionError handles an ERROR addressed to a whole connection: a
// rejected CONNECT, or a nested host that went away.
func (b *Bridge) connectionError(f *message.Frame) {
	c := b.conn(f.ConnectionID)
	if c == nil {
		b.dropFrame(f, "unknown connection")
		return
	}
	if c.State() == Connecting {
		c.onHandshake(f)
		return
	}
	c.lose(rpcerr.FromCaptured(f.Error), "remote")
}

// dropFrame absorbs a frame no caller can be attributed with.
func (b *Bridge) dropFrame(f *message.Frame, reason string) {
	metrics.RecordDrop("client", reason)
	ev := logx.Log.Warn()
	if reason == "unknown request" || reason == "reply after interrupt" {
		ev = logx.Log.Debug()
	}
	ev.Err(rpcerr.ProtocolViolation("%s", reason)).Str("bridge_id", b.id).Str("frame", f.String()).Msg("dropping frame")
}

// fail stops the bridge: every connection is lost with cause.
func (b *Bridge) fail(cause error, reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = cause
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.lose(cause, reason)
	}
	close(b.done)
}

// Close stops the bridge and its transport. Pending calls fail with
// ConnectionLost.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.tr.Close()
	})
	b.group.Wait()
	return nil
}
