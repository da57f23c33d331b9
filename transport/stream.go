package transport

import (
	"context"
	"io"
	"sync"

	"worker-runner/codec"
	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/protocol"
)

type recvResult struct {
	f   *message.Frame
	err error
}

// StreamTransport frames Action Frames over a byte stream such as a TCP
// connection or the stdio of a child process.
//
// A dedicated goroutine (readLoop) parses frames off the stream; byte streams
// must be read sequentially to keep frame boundaries intact. Writers share the
// stream under sending so one frame's header and body are never split by
// another writer.
type StreamTransport struct {
	rwc     io.ReadWriteCloser
	codec   codec.Codec
	sending sync.Mutex

	in        chan recvResult
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps rwc and starts reading from it immediately.
func NewStreamTransport(rwc io.ReadWriteCloser, ct codec.CodecType) *StreamTransport {
	t := &StreamTransport{
		rwc:    rwc,
		codec:  codec.GetCodec(ct),
		in:     make(chan recvResult, pipeBuffer),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Send encodes and writes one frame.
func (t *StreamTransport) Send(ctx context.Context, f *message.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	body, err := t.codec.Encode(f)
	if err != nil {
		return err
	}
	h := protocol.Header{
		CodecType: byte(t.codec.Type()),
		Action:    protocol.Action(f.Action),
		RequestID: f.RequestID,
	}
	if f.Ack {
		h.Flags |= protocol.FlagAck
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if err := protocol.Encode(t.rwc, &h, body); err != nil {
		select {
		case <-t.closed:
			return ErrClosed
		default:
		}
		return err
	}
	return nil
}

// Recv returns the next decoded frame. A broken stream surfaces as an error
// once all frames read before the break are consumed.
func (t *StreamTransport) Recv(ctx context.Context) (*message.Frame, error) {
	select {
	case r, ok := <-t.in:
		if !ok {
			return nil, ErrClosed
		}
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying stream. The read loop exits on the resulting
// read error.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.closeErr = t.rwc.Close()
	})
	return t.closeErr
}

func (t *StreamTransport) readLoop() {
	defer close(t.in)
	for {
		h, body, err := protocol.Decode(t.rwc)
		if err != nil {
			select {
			case <-t.closed:
			default:
				if err != io.EOF {
					logx.Log.Debug().Err(err).Msg("stream transport read failed")
				}
				select {
				case t.in <- recvResult{err: err}:
				case <-t.closed:
				}
			}
			return
		}
		f := &message.Frame{}
		cdc := codec.GetCodec(codec.CodecType(h.CodecType))
		if err := cdc.Decode(body, f); err != nil {
			// A body that fails to decode loses the frame, not the link.
			logx.Log.Warn().Err(err).Uint32("request_id", h.RequestID).Msg("dropping undecodable frame")
			continue
		}
		f.Action = message.Action(h.Action)
		f.RequestID = h.RequestID
		f.Ack = h.Flags&protocol.FlagAck != 0
		select {
		case t.in <- recvResult{f: f}:
		case <-t.closed:
			return
		}
	}
}
