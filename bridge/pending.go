package bridge

import (
	"context"
	"sync"
	"time"

	"worker-runner/destroy"
	"worker-runner/interrupter"
	"worker-runner/message"
	"worker-runner/metrics"
	"worker-runner/rpcerr"
)

// pendingCall is one outstanding request. It settles exactly once: by a
// terminal reply, by an interrupt (handle destroyed, connection lost, call
// timeout) or by the caller giving up.
type pendingCall struct {
	b      *Bridge
	id     uint32
	conn   *Connection
	handle *Handle
	kind   string
	start  time.Time

	intr *interrupter.Interrupter
	fut  *interrupter.Future

	// Unary calls receive their terminal frame here; streams get onEvent.
	results chan *message.Frame
	onEvent func(f *message.Frame, cause error)

	mu        sync.Mutex
	settled   bool
	handleReg destroy.HandlerID
	connReg   destroy.HandlerID
	timer     *time.Timer
}

func (pc *pendingCall) isSettled() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.settled
}

// settle releases every registration of pc. Only the first caller gets true.
func (pc *pendingCall) settle() bool {
	pc.mu.Lock()
	if pc.settled {
		pc.mu.Unlock()
		return false
	}
	pc.settled = true
	timer, handleReg, connReg := pc.timer, pc.handleReg, pc.connReg
	pc.mu.Unlock()

	pc.b.forget(pc.id)
	if timer != nil {
		timer.Stop()
	}
	if pc.handle != nil && handleReg != 0 {
		pc.handle.target.RemoveDestroyHandler(handleReg)
	}
	if connReg != 0 {
		pc.conn.lost.RemoveDestroyHandler(connReg)
	}
	metrics.DecPending()
	return true
}

// interrupt fails pc with cause unless a reply already settled it. A reply
// arriving afterwards finds no pending entry and is dropped.
func (pc *pendingCall) interrupt(cause error) {
	if !pc.settle() {
		return
	}
	pc.intr.Interrupt(cause)
	pc.record(outcomeOf(cause))
	if pc.onEvent != nil {
		pc.onEvent(nil, cause)
	}
}

// deliver hands a frame from the receive loop to the waiter.
func (pc *pendingCall) deliver(f *message.Frame) {
	terminal := f.Action != message.ActionStreamEmit
	if !terminal {
		if pc.onEvent == nil {
			pc.b.dropFrame(f, "emit for unary call")
			return
		}
		if !pc.isSettled() {
			pc.onEvent(f, nil)
		}
		return
	}
	if !pc.settle() {
		pc.b.dropFrame(f, "reply after interrupt")
		return
	}
	if f.Action == message.ActionError {
		pc.record("error")
	} else {
		pc.record("ok")
	}
	if pc.onEvent != nil {
		pc.onEvent(f, nil)
		return
	}
	pc.results <- f
}

// wait blocks for the terminal frame. Interrupts win over a reply that
// arrives in the same turn.
func (pc *pendingCall) wait(ctx context.Context) (*message.Frame, error) {
	f, err := interrupter.Race[*message.Frame](ctx, pc.fut, pc.results)
	if err != nil {
		if ctx.Err() != nil && pc.settle() {
			pc.record("cancelled")
		}
		return nil, unwrapInterrupt(err)
	}
	if f.Action == message.ActionError {
		return nil, rpcerr.FromCaptured(f.Error)
	}
	return f, nil
}

func (pc *pendingCall) record(outcome string) {
	metrics.RecordClientCall(pc.kind, outcome, time.Since(pc.start))
}

func outcomeOf(cause error) string {
	switch {
	case rpcerr.Is(cause, rpcerr.ErrCallTimeout):
		return "timeout"
	case rpcerr.Is(cause, rpcerr.ErrHandleDestroyed):
		return "destroyed"
	case rpcerr.Is(cause, rpcerr.ErrConnectionLost):
		return "connection_lost"
	}
	return "interrupted"
}

// unwrapInterrupt surfaces the reason given to Interrupt, which is always
// one of the rpcerr kinds.
func unwrapInterrupt(err error) error {
	if ie, ok := err.(*interrupter.Error); ok && ie.Cause != nil {
		return ie.Cause
	}
	return err
}
