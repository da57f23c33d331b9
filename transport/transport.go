// Package transport moves Action Frames between two peers.
//
// A Transport is a bidirectional, ordered frame channel. Frames sent on one
// end are received in the same order on the other. Send may be called from
// many goroutines; Recv is called from a single read loop.
//
//	bridge ──Send(CALL)──┐                    ┌──Recv──→ host
//	                     ├── Pipe / TCP / WS ──┤
//	bridge ←──Recv───────┘                    └──Send(RESULT)── host
package transport

import (
	"context"
	"errors"
	"sync"

	"worker-runner/message"
)

// ErrClosed is returned by Send and Recv once the transport is closed, by
// either side.
var ErrClosed = errors.New("transport closed")

// Transport is the message-passing context the bridge runs over.
type Transport interface {
	Send(ctx context.Context, f *message.Frame) error
	Recv(ctx context.Context) (*message.Frame, error)
	Close() error
}

// pipeBuffer bounds how many frames can be queued before Send blocks.
const pipeBuffer = 64

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

// PipeEnd is one side of an in-memory Pipe.
type PipeEnd struct {
	in     chan *message.Frame
	out    chan *message.Frame
	shared *pipeShared
}

// Pipe returns two connected in-memory transports. Closing either end closes
// both, which is how tests simulate a dropped link.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan *message.Frame, pipeBuffer)
	ba := make(chan *message.Frame, pipeBuffer)
	s := &pipeShared{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, shared: s}, &PipeEnd{in: ab, out: ba, shared: s}
}

// Send queues f for the peer. The frame is not copied; callers must not
// mutate it afterwards.
func (p *PipeEnd) Send(ctx context.Context, f *message.Frame) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next frame from the peer.
func (p *PipeEnd) Recv(ctx context.Context) (*message.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.shared.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends of the pipe. It is safe to call more than once.
func (p *PipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
