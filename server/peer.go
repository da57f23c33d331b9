package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"worker-runner/destroy"
	"worker-runner/errcapture"
	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/metrics"
	"worker-runner/middleware"
	"worker-runner/rpcerr"
	"worker-runner/transport"
)

type callKey struct {
	conn, req uint32
}

type activeCall struct {
	cancel    context.CancelFunc
	inst      *instance
	handlerID destroy.HandlerID
}

// session is the terminating end of one connection id on this host.
type session struct {
	connID       uint32
	nextInstance uint32
	instances    map[uint32]*instance
}

type instance struct {
	id     uint32
	runner string
	caps   *Capabilities
	target destroy.Target // cancels the instance's in-flight calls
}

// peer is one upstream transport. Request ids are unique per connection id,
// so calls are keyed by both.
type peer struct {
	host   *Host
	tr     transport.Transport
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uint32]*session
	forwards map[uint32]*forward // upstream connection id -> nested route
	calls    map[callKey]*activeCall
}

func newPeer(h *Host, tr transport.Transport) *peer {
	ctx, cancel := context.WithCancel(h.ctx)
	return &peer{
		host:     h,
		tr:       tr,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint32]*session),
		forwards: make(map[uint32]*forward),
		calls:    make(map[callKey]*activeCall),
	}
}

func (p *peer) serve() error {
	defer p.teardown()
	for {
		f, err := p.tr.Recv(p.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || p.ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.dispatch(f)
	}
}

func (p *peer) drop(f *message.Frame, reason string, err error) {
	metrics.RecordDrop("host", reason)
	logx.Log.Warn().Err(err).Str("host_id", p.host.id).Str("frame", f.String()).Str("reason", reason).Msg("dropping frame")
}

func (p *peer) send(f *message.Frame) {
	if err := p.tr.Send(p.ctx, f); err != nil {
		logx.Log.Debug().Err(err).Str("host_id", p.host.id).Str("frame", f.String()).Msg("send to peer failed")
	}
}

func (p *peer) sendError(f *message.Frame, err error) {
	p.send(&message.Frame{
		Action:       message.ActionError,
		RequestID:    f.RequestID,
		ConnectionID: f.ConnectionID,
		InstanceID:   f.InstanceID,
		Error:        errcapture.Capture(err),
	})
}

func (p *peer) dispatch(f *message.Frame) {
	if err := f.Validate(); err != nil {
		p.drop(f, "malformed", err)
		return
	}
	if f.Action == message.ActionConnect && !f.Ack {
		p.handleConnect(f)
		return
	}
	if fw := p.forward(f.ConnectionID); fw != nil {
		if f.Action == message.ActionDestroy && f.InstanceID == 0 {
			fw.link.closeDown(fw, f)
			return
		}
		fw.link.sendDown(fw, f)
		return
	}
	switch f.Action {
	case message.ActionPing:
		if f.Ack {
			p.drop(f, "unexpected", nil)
			return
		}
		p.handlePing(f)
	case message.ActionInit:
		p.handleInit(f)
	case message.ActionCall:
		p.handleCall(f)
	case message.ActionStreamEnd:
		// The caller stopped consuming a stream.
		p.cancelCall(callKey{f.ConnectionID, f.RequestID})
	case message.ActionDestroy:
		p.handleDestroy(f)
	default:
		p.drop(f, "unexpected", nil)
	}
}

func (p *peer) forward(connID uint32) *forward {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forwards[connID]
}

func (p *peer) handleConnect(f *message.Frame) {
	var cp message.ConnectPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &cp); err != nil {
			p.drop(f, "malformed", err)
			return
		}
	}
	p.mu.Lock()
	_, dupSession := p.sessions[f.ConnectionID]
	_, dupForward := p.forwards[f.ConnectionID]
	if dupSession || dupForward {
		p.mu.Unlock()
		p.drop(f, "duplicate connection", nil)
		return
	}
	if len(cp.Path) == 0 {
		p.sessions[f.ConnectionID] = &session{connID: f.ConnectionID, instances: make(map[uint32]*instance)}
		p.mu.Unlock()
		logx.Log.Debug().Str("host_id", p.host.id).Uint32("connection_id", f.ConnectionID).Msg("session opened")
		p.send(&message.Frame{Action: message.ActionConnect, ConnectionID: f.ConnectionID, Ack: true})
		return
	}
	p.mu.Unlock()

	link := p.host.nestedLink(cp.Path[0])
	if link == nil {
		p.sendError(f, rpcerr.HandshakeFailed("no nested host %q", cp.Path[0]))
		return
	}
	if err := link.open(p, f.ConnectionID, cp.Path[1:]); err != nil {
		p.sendError(f, rpcerr.HandshakeFailed("nested host %q: %v", cp.Path[0], err))
	}
}

func (p *peer) session(connID uint32) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[connID]
}

func (p *peer) handlePing(f *message.Frame) {
	if p.session(f.ConnectionID) == nil {
		p.sendError(f, rpcerr.ConnectionLost("unknown connection %d", f.ConnectionID))
		return
	}
	p.send(&message.Frame{Action: message.ActionPing, ConnectionID: f.ConnectionID, Ack: true})
}

func (p *peer) handleInit(f *message.Frame) {
	var ip message.InitPayload
	if err := json.Unmarshal(f.Payload, &ip); err != nil {
		p.drop(f, "malformed", err)
		return
	}
	if p.session(f.ConnectionID) == nil {
		p.sendError(f, rpcerr.ConnectionLost("unknown connection %d", f.ConnectionID))
		return
	}
	factory, ok := p.host.factory(ip.Runner)
	if !ok {
		p.sendError(f, rpcerr.UnknownMethod("no runner %q", ip.Runner))
		return
	}
	if p.host.shutdown.Load() {
		p.sendError(f, rpcerr.ConnectionLost("host is shutting down"))
		return
	}

	p.host.wg.Add(1)
	go func() {
		defer p.host.wg.Done()
		caps, err := safeFactory(p.ctx, factory, ip.Args)
		if err != nil {
			p.sendError(f, err)
			return
		}

		p.mu.Lock()
		s := p.sessions[f.ConnectionID]
		if s == nil {
			// The connection was destroyed while the instance was being built.
			p.mu.Unlock()
			closeCaps(caps)
			return
		}
		s.nextInstance++
		inst := &instance{id: s.nextInstance, runner: ip.Runner, caps: caps}
		s.instances[inst.id] = inst
		p.mu.Unlock()

		metrics.AddHostInstances(1)
		logx.Log.Debug().Str("runner", ip.Runner).Uint32("connection_id", f.ConnectionID).Uint32("instance_id", inst.id).Msg("instance created")
		p.send(&message.Frame{
			Action:       message.ActionResult,
			RequestID:    f.RequestID,
			ConnectionID: f.ConnectionID,
			InstanceID:   inst.id,
			Payload:      message.MustPayload(inst.id),
		})
	}()
}

func safeFactory(ctx context.Context, f Factory, args []json.RawMessage) (caps *Capabilities, err error) {
	defer func() {
		if r := recover(); r != nil {
			caps, err = nil, rpcerr.ProtocolViolation("runner constructor panicked: %v", r)
		}
	}()
	caps, err = f(ctx, args)
	if err == nil && caps == nil {
		err = errors.New("runner constructor returned no capabilities")
	}
	return caps, err
}

func closeCaps(caps *Capabilities) {
	if caps.Close == nil {
		return
	}
	if err := caps.Close(); err != nil {
		logx.Log.Warn().Err(err).Msg("runner close failed")
	}
}

func (p *peer) handleCall(f *message.Frame) {
	var cp message.CallPayload
	if err := json.Unmarshal(f.Payload, &cp); err != nil {
		p.drop(f, "malformed", err)
		return
	}
	key := callKey{f.ConnectionID, f.RequestID}

	p.mu.Lock()
	s := p.sessions[f.ConnectionID]
	if s == nil {
		p.mu.Unlock()
		p.sendError(f, rpcerr.ConnectionLost("unknown connection %d", f.ConnectionID))
		return
	}
	inst := s.instances[f.InstanceID]
	if inst == nil {
		p.mu.Unlock()
		p.sendError(f, rpcerr.UnknownInstance("no instance %d on connection %d", f.InstanceID, f.ConnectionID))
		return
	}
	if _, dup := p.calls[key]; dup {
		p.mu.Unlock()
		p.drop(f, "duplicate request", nil)
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	ac := &activeCall{cancel: cancel, inst: inst}
	p.calls[key] = ac
	p.mu.Unlock()

	// Runs immediately if the instance was destroyed in the meantime. The
	// caller may hold another handle on the same instance and still wait.
	ac.handlerID = inst.target.AddDestroyHandler(func() error {
		if p.takeCall(key) != nil {
			p.sendError(f, rpcerr.HandleDestroyed("instance %d destroyed during call", f.InstanceID))
		}
		cancel()
		return nil
	})

	p.host.wg.Add(1)
	go p.runCall(ctx, key, ac, f, &cp)
}

// takeCall unregisters a call and reports whether it was still registered.
// Exactly one of completion, unsubscribe and destroy takes a call.
func (p *peer) takeCall(key callKey) *activeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	ac := p.calls[key]
	delete(p.calls, key)
	return ac
}

func (p *peer) cancelCall(key callKey) {
	ac := p.takeCall(key)
	if ac == nil {
		return
	}
	ac.inst.target.RemoveDestroyHandler(ac.handlerID)
	ac.cancel()
}

type scopeKey struct{}

type callScope struct {
	inst *instance
	emit *emitter
}

func (p *peer) runCall(ctx context.Context, key callKey, ac *activeCall, f *message.Frame, cp *message.CallPayload) {
	defer p.host.wg.Done()
	defer ac.cancel()

	em := &emitter{peer: p, ctx: ctx, frame: f}
	ctx = context.WithValue(ctx, scopeKey{}, &callScope{inst: ac.inst, emit: em})
	req := &middleware.Request{
		ConnectionID: f.ConnectionID,
		InstanceID:   f.InstanceID,
		Runner:       ac.inst.runner,
		Method:       cp.Method,
		Args:         cp.Args,
		Stream:       cp.Stream,
	}
	out, err := p.host.chain()(ctx, req)
	em.close()

	if p.takeCall(key) == nil {
		// Unsubscribed, or destroyed and already answered.
		return
	}
	ac.inst.target.RemoveDestroyHandler(ac.handlerID)

	switch {
	case err != nil:
		p.sendError(f, err)
	case cp.Stream:
		p.send(&message.Frame{Action: message.ActionStreamEnd, RequestID: f.RequestID, ConnectionID: f.ConnectionID, InstanceID: f.InstanceID})
	default:
		p.send(&message.Frame{Action: message.ActionResult, RequestID: f.RequestID, ConnectionID: f.ConnectionID, InstanceID: f.InstanceID, Payload: out})
	}
}

// invoke resolves a call against the instance's capability table.
func (h *Host) invoke(ctx context.Context, req *middleware.Request) (json.RawMessage, error) {
	sc, ok := ctx.Value(scopeKey{}).(*callScope)
	if !ok {
		return nil, rpcerr.UnknownInstance("no instance bound to call")
	}
	caps := sc.inst.caps
	if req.Stream {
		fn, ok := caps.Streams[req.Method]
		if !ok {
			return nil, rpcerr.UnknownMethod("%s has no stream method %q", req.Runner, req.Method)
		}
		return nil, fn(ctx, req.Args, sc.emit)
	}
	fn, ok := caps.Methods[req.Method]
	if !ok {
		return nil, rpcerr.UnknownMethod("%s has no method %q", req.Runner, req.Method)
	}
	v, err := fn(ctx, req.Args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// ErrStreamClosed is returned by Emit after the call has ended.
var ErrStreamClosed = errors.New("stream closed")

type emitter struct {
	peer  *peer
	ctx   context.Context
	frame *message.Frame

	mu     sync.Mutex
	closed bool
}

func (e *emitter) Emit(v any) error {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStreamClosed
	}
	return e.peer.tr.Send(e.ctx, &message.Frame{
		Action:       message.ActionStreamEmit,
		RequestID:    e.frame.RequestID,
		ConnectionID: e.frame.ConnectionID,
		InstanceID:   e.frame.InstanceID,
		Payload:      b,
	})
}

func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (p *peer) handleDestroy(f *message.Frame) {
	p.mu.Lock()
	var victims []*instance
	if s := p.sessions[f.ConnectionID]; s != nil {
		if f.InstanceID == 0 {
			delete(p.sessions, f.ConnectionID)
			for _, inst := range s.instances {
				victims = append(victims, inst)
			}
		} else if inst := s.instances[f.InstanceID]; inst != nil {
			delete(s.instances, f.InstanceID)
			victims = append(victims, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		destroyInstance(inst)
	}
	// Acknowledged even when nothing was left to destroy.
	p.send(&message.Frame{Action: message.ActionDestroyed, RequestID: f.RequestID, ConnectionID: f.ConnectionID, InstanceID: f.InstanceID})
}

func destroyInstance(inst *instance) {
	inst.target.Destroy()
	closeCaps(inst.caps)
	metrics.AddHostInstances(-1)
	logx.Log.Debug().Str("runner", inst.runner).Uint32("instance_id", inst.id).Msg("instance destroyed")
}

func (p *peer) teardown() {
	p.cancel()
	p.mu.Lock()
	sessions, forwards := p.sessions, p.forwards
	p.sessions = make(map[uint32]*session)
	p.forwards = make(map[uint32]*forward)
	p.mu.Unlock()

	for _, s := range sessions {
		for _, inst := range s.instances {
			destroyInstance(inst)
		}
	}
	for _, fw := range forwards {
		fw.link.abandon(fw)
	}
	p.host.removePeer(p)
	p.tr.Close()
	logx.Log.Debug().Str("host_id", p.host.id).Int("sessions", len(sessions)).Int("forwards", len(forwards)).Msg("peer closed")
}
