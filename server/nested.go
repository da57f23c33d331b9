package server

import (
	"errors"
	"sync"
	"time"

	"worker-runner/errcapture"
	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/metrics"
	"worker-runner/rpcerr"
	"worker-runner/transport"
)

// forward is one connection passing through this host. Upstream it is known
// by the id the peer chose; downstream by an id allocated from the link's
// arena.
//
// Once DESTROY(0) has been sent down the forward is closing: its id stays
// reserved in the arena until the nested host answers DESTROYED(0), the link
// fails or the route grace runs out. An orphaned forward has lost its
// upstream peer and every frame addressed to it is swallowed.
type forward struct {
	link     *nestedLink
	peer     *peer
	upConn   uint32
	downConn uint32

	// guarded by link.mu
	closing  bool
	orphaned bool
	reclaim  *time.Timer
}

// nestedLink is a transport to a further host. Frames crossing it are only
// re-addressed, never interpreted, so nesting depth is unbounded.
type nestedLink struct {
	name string
	host *Host
	tr   transport.Transport

	mu      sync.Mutex
	routes  arena[*forward]
	nextReq uint32
	lost    bool
}

var errLinkLost = errors.New("link lost")

// open allocates a downstream connection id for upConn and sends CONNECT
// with the remaining path.
func (l *nestedLink) open(p *peer, upConn uint32, rest []string) error {
	fw := &forward{link: l, peer: p, upConn: upConn}
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return errLinkLost
	}
	fw.downConn = l.routes.alloc(fw)
	l.mu.Unlock()

	p.mu.Lock()
	p.forwards[upConn] = fw
	p.mu.Unlock()

	err := l.tr.Send(l.host.ctx, &message.Frame{
		Action:       message.ActionConnect,
		ConnectionID: fw.downConn,
		Payload:      message.MustPayload(message.ConnectPayload{Path: rest}),
	})
	if err != nil {
		l.release(fw)
		return err
	}
	logx.Log.Debug().Str("link", l.name).Uint32("up_connection_id", upConn).Uint32("down_connection_id", fw.downConn).Msg("forwarding connection")
	return nil
}

// release removes fw from both routing tables. It reports false when fw was
// already released, so teardown paths race safely.
func (l *nestedLink) release(fw *forward) bool {
	l.mu.Lock()
	cur, ok := l.routes.get(fw.downConn)
	if ok && cur == fw {
		l.routes.release(fw.downConn)
		if fw.reclaim != nil {
			fw.reclaim.Stop()
		}
	}
	l.mu.Unlock()
	if !ok || cur != fw {
		return false
	}
	fw.peer.mu.Lock()
	if fw.peer.forwards[fw.upConn] == fw {
		delete(fw.peer.forwards, fw.upConn)
	}
	fw.peer.mu.Unlock()
	return true
}

// retire marks fw closing and arms the reclaim timer. It reports false when
// the route is already gone.
func (l *nestedLink) retire(fw *forward, orphan bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.routes.get(fw.downConn); !ok || cur != fw {
		return false
	}
	fw.closing = true
	if orphan {
		fw.orphaned = true
	}
	if fw.reclaim == nil {
		fw.reclaim = time.AfterFunc(l.host.routeGrace, func() {
			if l.release(fw) {
				metrics.RecordDrop("link", "destroy unacknowledged")
				logx.Log.Warn().Str("link", l.name).Uint32("down_connection_id", fw.downConn).Msg("nested host never acknowledged destroy, route reclaimed")
			}
		})
	}
	return true
}

func (l *nestedLink) sendDown(fw *forward, f *message.Frame) {
	g := *f
	g.ConnectionID = fw.downConn
	if err := l.tr.Send(l.host.ctx, &g); err != nil {
		logx.Log.Debug().Err(err).Str("link", l.name).Str("frame", g.String()).Msg("forward down failed")
		return
	}
	metrics.RecordForward("down")
}

// closeDown passes an upstream DESTROY(0) to the nested host. The route
// stays until the DESTROYED(0) travelling back releases it.
func (l *nestedLink) closeDown(fw *forward, f *message.Frame) {
	if !l.retire(fw, false) {
		return
	}
	l.sendDown(fw, f)
}

// abandon is called when the upstream peer goes away: the nested session is
// destroyed on its behalf. The downstream id is not reused before the nested
// host confirms, or its late DESTROYED would reach whoever got the id next.
func (l *nestedLink) abandon(fw *forward) {
	fw.peer.mu.Lock()
	if fw.peer.forwards[fw.upConn] == fw {
		delete(fw.peer.forwards, fw.upConn)
	}
	fw.peer.mu.Unlock()
	if !l.retire(fw, true) {
		return
	}
	l.mu.Lock()
	l.nextReq++
	req := l.nextReq
	l.mu.Unlock()
	if err := l.tr.Send(l.host.ctx, &message.Frame{Action: message.ActionDestroy, RequestID: req, ConnectionID: fw.downConn}); err != nil {
		logx.Log.Debug().Err(err).Str("link", l.name).Msg("abandon failed")
		l.release(fw)
	}
}

func (l *nestedLink) serve() {
	for {
		f, err := l.tr.Recv(l.host.ctx)
		if err != nil {
			l.fail(err)
			return
		}
		l.dispatch(f)
	}
}

func (l *nestedLink) dispatch(f *message.Frame) {
	if err := f.Validate(); err != nil {
		metrics.RecordDrop("link", "malformed")
		logx.Log.Warn().Err(err).Str("link", l.name).Msg("dropping malformed frame")
		return
	}
	l.mu.Lock()
	fw, ok := l.routes.get(f.ConnectionID)
	orphaned := ok && fw.orphaned
	l.mu.Unlock()
	if !ok {
		metrics.RecordDrop("link", "unknown connection")
		logx.Log.Debug().Str("link", l.name).Str("frame", f.String()).Msg("dropping frame for unknown connection")
		return
	}

	connectionError := f.Action == message.ActionError && f.RequestID == 0
	sessionDestroyed := f.Action == message.ActionDestroyed && f.InstanceID == 0
	if connectionError || sessionDestroyed {
		// The route dies with this frame.
		l.release(fw)
	}
	if orphaned {
		metrics.RecordDrop("link", "abandoned connection")
		return
	}

	g := *f
	g.ConnectionID = fw.upConn
	fw.peer.send(&g)
	metrics.RecordForward("up")
}

// fail reports ConnectionLost upstream for every connection that crossed
// this link and detaches the link from the host.
func (l *nestedLink) fail(cause error) {
	l.mu.Lock()
	l.lost = true
	var fws []*forward
	l.routes.each(func(_ uint32, fw *forward) { fws = append(fws, fw) })
	l.mu.Unlock()
	l.host.removeNested(l)

	if l.host.ctx.Err() == nil {
		metrics.RecordConnectionLost("nested")
		logx.Log.Warn().Err(cause).Str("link", l.name).Int("connections", len(fws)).Msg("nested host lost")
	}
	for _, fw := range fws {
		l.mu.Lock()
		orphaned := fw.orphaned
		l.mu.Unlock()
		if !l.release(fw) || orphaned {
			continue
		}
		fw.peer.send(&message.Frame{
			Action:       message.ActionError,
			ConnectionID: fw.upConn,
			Error:        errcapture.Capture(rpcerr.ConnectionLost("nested host %q: %v", l.name, cause)),
		})
	}
	l.tr.Close()
}

func (l *nestedLink) status() NestedStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := NestedStatus{Name: l.name, Lost: l.lost}
	l.routes.each(func(_ uint32, fw *forward) {
		if fw.closing {
			st.Closing++
		} else {
			st.Connections++
		}
	})
	return st
}
