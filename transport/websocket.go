package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"

	"worker-runner/logx"
	"worker-runner/message"
	"worker-runner/protocol"
)

// WebSocketTransport carries one JSON-encoded frame per text message.
type WebSocketTransport struct {
	conn *websocket.Conn

	in        chan recvResult
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewWebSocketTransport takes ownership of conn. Reads run on a background
// context because cancelling a read context tears the websocket down.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(int64(protocol.MaxBodyLen))
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		conn:   conn,
		in:     make(chan recvResult, pipeBuffer),
		closed: make(chan struct{}),
		cancel: cancel,
	}
	go t.readLoop(ctx)
	return t
}

// DialWebSocket connects to a host's websocket endpoint.
func DialWebSocket(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}

func (t *WebSocketTransport) Send(ctx context.Context, f *message.Frame) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, b); err != nil {
		select {
		case <-t.closed:
			return ErrClosed
		default:
		}
		return err
	}
	return nil
}

func (t *WebSocketTransport) Recv(ctx context.Context) (*message.Frame, error) {
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

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close(websocket.StatusNormalClosure, "closing")
		t.cancel()
	})
	return err
}

func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.in)
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			select {
			case <-t.closed:
			default:
				select {
				case t.in <- recvResult{err: err}:
				case <-t.closed:
				}
			}
			return
		}
		if typ != websocket.MessageText {
			logx.Log.Warn().Msg("ignoring binary websocket message")
			continue
		}
		f := &message.Frame{}
		if err := json.Unmarshal(data, f); err != nil {
			logx.Log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		select {
		case t.in <- recvResult{f: f}:
		case <-t.closed:
			return
		}
	}
}
