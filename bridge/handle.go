package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"worker-runner/destroy"
	"worker-runner/eventstream"
	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/rpcerr"
)

// Handle is a reference to one runner instance living on the far side of a
// connection. It owns its pending calls; destroying it fails them all.
type Handle struct {
	conn       *Connection
	id         uint32
	target     destroy.Target
	destroying atomic.Bool
}

// InstanceID is the host-assigned id of the instance.
func (h *Handle) InstanceID() uint32 { return h.id }

// Connection returns the connection the instance lives on.
func (h *Handle) Connection() *Connection { return h.conn }

// AddDestroyHandler registers fn to run when the handle is destroyed.
func (h *Handle) AddDestroyHandler(fn destroy.Handler) destroy.HandlerID {
	return h.target.AddDestroyHandler(fn)
}

func (h *Handle) RemoveDestroyHandler(id destroy.HandlerID) bool {
	return h.target.RemoveDestroyHandler(id)
}

func (h *Handle) Destroyed() bool { return h.destroying.Load() }

func (h *Handle) destroyedErr() error {
	return rpcerr.HandleDestroyed("instance %d on connection %d", h.id, h.conn.id)
}

// Call invokes method and returns its JSON result.
func (h *Handle) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if h.destroying.Load() {
		return nil, h.destroyedErr()
	}
	raw, err := message.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	pc, err := h.conn.start(ctx, h, "call", &message.Frame{
		Action:     message.ActionCall,
		InstanceID: h.id,
		Payload:    message.MustPayload(message.CallPayload{Method: method, Args: raw}),
	}, nil)
	if err != nil {
		return nil, err
	}
	f, err := pc.wait(ctx)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}

// CallInto invokes method and decodes its result into out.
func (h *Handle) CallInto(ctx context.Context, out any, method string, args ...any) error {
	raw, err := h.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Subscribe returns a lazy stream over a streaming method. Every subscription
// of the returned stream issues its own CALL when consumption starts; closing
// a subscription early tells the host to stop producing.
func (h *Handle) Subscribe(method string, args ...any) *eventstream.Stream[json.RawMessage] {
	var (
		raw    []json.RawMessage
		encErr error
	)
	raw, encErr = message.EncodeArgs(args...)
	src := eventstream.SourceFuncs[json.RawMessage]{
		Add: func(fn eventstream.Handler[json.RawMessage]) uint64 {
			if h.destroying.Load() {
				fn(eventstream.Event[json.RawMessage]{Err: h.destroyedErr()})
				return 0
			}
			if encErr != nil {
				fn(eventstream.Event[json.RawMessage]{Err: encErr})
				return 0
			}
			onEvent := func(f *message.Frame, cause error) {
				switch {
				case cause != nil:
					fn(eventstream.Event[json.RawMessage]{Err: cause})
				case f.Action == message.ActionStreamEmit:
					fn(eventstream.Event[json.RawMessage]{Value: f.Payload})
				case f.Action == message.ActionError:
					fn(eventstream.Event[json.RawMessage]{Err: rpcerr.FromCaptured(f.Error)})
				default:
					fn(eventstream.Event[json.RawMessage]{End: true})
				}
			}
			pc, err := h.conn.start(context.Background(), h, "stream", &message.Frame{
				Action:     message.ActionCall,
				InstanceID: h.id,
				Payload:    message.MustPayload(message.CallPayload{Method: method, Args: raw, Stream: true}),
			}, onEvent)
			if err != nil {
				fn(eventstream.Event[json.RawMessage]{Err: err})
				return 0
			}
			return uint64(pc.id)
		},
		Remove: func(id uint64) {
			if id != 0 {
				h.conn.unsubscribe(uint32(id))
			}
		},
	}
	return eventstream.New[json.RawMessage](src)
}

// Destroy sends DESTROY, fails every pending call of the handle with
// HandleDestroyed, runs the handle's destroy handlers and waits for the
// DESTROYED acknowledgment for at most the configured grace period. The
// handle is destroyed locally whether or not the host acknowledges.
func (h *Handle) Destroy(ctx context.Context) error {
	if !h.destroying.CompareAndSwap(false, true) {
		return nil
	}
	pc, sendErr := h.conn.start(ctx, nil, "destroy", &message.Frame{
		Action:     message.ActionDestroy,
		InstanceID: h.id,
	}, nil)

	h.target.Destroy()
	logx.Log.Debug().Str("bridge_id", h.conn.bridge.id).Uint32("connection_id", h.conn.id).Uint32("instance_id", h.id).Msg("handle destroyed")

	if sendErr != nil {
		logx.Log.Debug().Err(sendErr).Uint32("instance_id", h.id).Msg("destroy not sent")
		return nil
	}
	return h.conn.awaitAck(ctx, pc)
}
