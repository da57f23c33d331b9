package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	crdb "github.com/cockroachdb/errors"

	"worker-runner/config"
	"worker-runner/message"
	"worker-runner/rpcerr"
	"worker-runner/server"
	"worker-runner/transport"
)

type CountArgs struct {
	N int
}

type Reply struct {
	Value string
}

type Worker struct {
	blocked   chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func newWorker() *Worker {
	return &Worker{blocked: make(chan struct{}, 16), cancelled: make(chan struct{})}
}

// Block parks until the call is cancelled.
func (w *Worker) Block(ctx context.Context, args *CountArgs, reply *Reply) error {
	w.blocked <- struct{}{}
	<-ctx.Done()
	w.once.Do(func() { close(w.cancelled) })
	return ctx.Err()
}

// Count emits 1..N, or forever when N is 0.
func (w *Worker) Count(ctx context.Context, args *CountArgs, emit server.Emitter) error {
	for i := 1; args.N == 0 || i <= args.N; i++ {
		if err := emit.Emit(i); err != nil {
			w.once.Do(func() { close(w.cancelled) })
			return err
		}
		if args.N == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return nil
}

func echoRunner(ctx context.Context, args []json.RawMessage) (*server.Capabilities, error) {
	return &server.Capabilities{Methods: map[string]server.UnaryFunc{
		"echo": func(ctx context.Context, args []json.RawMessage) (any, error) {
			return args[0], nil
		},
		"fail": func(ctx context.Context, args []json.RawMessage) (any, error) {
			return nil, crdb.New("boom")
		},
	}}, nil
}

func testConfig() config.Bridge {
	cfg := config.DefaultBridge()
	cfg.PingInterval = 0
	cfg.HandshakeTimeout = time.Second
	cfg.DestroyGrace = time.Second
	return cfg
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestHost(w *Worker) *server.Host {
	h := server.NewHost()
	h.Register("Echo", echoRunner)
	h.Register("Worker", server.ReceiverFactory(func() any { return w }))
	return h
}

// bridgeTo serves h over an in-memory pipe and returns a bridge on the
// other end.
func bridgeTo(t *testing.T, h *server.Host, cfg config.Bridge) *Bridge {
	t.Helper()
	a, b := transport.Pipe()
	go h.ServeTransport(b)
	br := New(a, cfg)
	t.Cleanup(func() { br.Close() })
	return br
}

func connectEcho(t *testing.T, br *Bridge, path ...string) *Handle {
	t.Helper()
	ctx := testCtx(t)
	conn, err := br.Connect(ctx, path...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, err := conn.Instantiate(ctx, "Echo")
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return h
}

func TestCallEcho(t *testing.T) {
	br := bridgeTo(t, newTestHost(newWorker()), testConfig())
	h := connectEcho(t, br)

	out, err := h.Call(testCtx(t), "echo", "a")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != `"a"` {
		t.Fatalf(`expect "a", got %s`, out)
	}

	var s string
	if err := h.CallInto(testCtx(t), &s, "echo", "b"); err != nil || s != "b" {
		t.Fatalf("CallInto: %q %v", s, err)
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestConcurrentCalls(t *testing.T) {
	br := bridgeTo(t, newTestHost(newWorker()), testConfig())
	h := connectEcho(t, br)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if err := h.CallInto(context.Background(), &got, "echo", i); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- errors.New("reply routed to the wrong caller")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRemoteError(t *testing.T) {
	br := bridgeTo(t, newTestHost(newWorker()), testConfig())
	h := connectEcho(t, br)

	_, err := h.Call(testCtx(t), "fail")
	if !errors.Is(err, rpcerr.ErrRemoteCallFailed) {
		t.Fatalf("expect RemoteCallFailed, got %v", err)
	}
	var re *rpcerr.Error
	if !errors.As(err, &re) || re.Captured == nil || re.Captured.Message != "boom" || re.Captured.Stack == "" {
		t.Fatalf("expect captured remote error with stack, got %#v", err)
	}

	_, err = h.Call(testCtx(t), "missing")
	if !errors.Is(err, rpcerr.ErrUnknownMethod) {
		t.Fatalf("expect UnknownMethod, got %v", err)
	}
}

func TestDestroyWhilePending(t *testing.T) {
	w := newWorker()
	br := bridgeTo(t, newTestHost(w), testConfig())
	ctx := testCtx(t)
	conn, err := br.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h, err := conn.Instantiate(ctx, "Worker")
	if err != nil {
		t.Fatal(err)
	}

	callErr := make(chan error, 1)
	go func() {
		_, err := h.Call(ctx, "Block", &CountArgs{})
		callErr <- err
	}()
	<-w.blocked

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	select {
	case err := <-callErr:
		if !errors.Is(err, rpcerr.ErrHandleDestroyed) {
			t.Fatalf("expect HandleDestroyed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after destroy")
	}
	<-w.cancelled

	if _, err := h.Call(ctx, "Block", &CountArgs{}); !errors.Is(err, rpcerr.ErrHandleDestroyed) {
		t.Fatalf("expect HandleDestroyed after destroy, got %v", err)
	}
	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("second destroy should be a no-op, got %v", err)
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestHandleDestroyHandlers(t *testing.T) {
	br := bridgeTo(t, newTestHost(newWorker()), testConfig())
	h := connectEcho(t, br)

	var order []int
	h.AddDestroyHandler(func() error { order = append(order, 1); return nil })
	id := h.AddDestroyHandler(func() error { order = append(order, 2); return nil })
	h.AddDestroyHandler(func() error { order = append(order, 3); return nil })
	h.RemoveDestroyHandler(id)

	h.Destroy(testCtx(t))
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("unexpected handler order %v", order)
	}
	h.AddDestroyHandler(func() error { order = append(order, 4); return nil })
	if len(order) != 3 || order[2] != 4 {
		t.Fatalf("handler added after destroy did not run immediately: %v", order)
	}
}

func TestSubscribe(t *testing.T) {
	w := newWorker()
	br := bridgeTo(t, newTestHost(w), testConfig())
	ctx := testCtx(t)
	conn, _ := br.Connect(ctx)
	h, err := conn.Instantiate(ctx, "Worker")
	if err != nil {
		t.Fatal(err)
	}

	stream := h.Subscribe("Count", &CountArgs{N: 3})
	if br.Pending() != 0 {
		t.Fatal("subscribe must be lazy")
	}
	// 每次订阅都是独立的 CALL
	for round := 0; round < 2; round++ {
		var got []int
		for v, err := range stream.All(ctx) {
			if err != nil {
				t.Fatalf("stream error: %v", err)
			}
			var n int
			json.Unmarshal(v, &n)
			got = append(got, n)
		}
		if len(got) != 3 || got[0] != 1 || got[2] != 3 {
			t.Fatalf("round %d: unexpected values %v", round, got)
		}
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestSubscribeEarlyStop(t *testing.T) {
	w := newWorker()
	br := bridgeTo(t, newTestHost(w), testConfig())
	ctx := testCtx(t)
	conn, _ := br.Connect(ctx)
	h, _ := conn.Instantiate(ctx, "Worker")

	sub := h.Subscribe("Count", &CountArgs{}).Subscribe()
	for i := 0; i < 2; i++ {
		if _, err := sub.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}
	sub.Close()
	if sub.Active() {
		t.Fatal("handler still registered after close")
	}
	select {
	case <-w.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("host producer was not cancelled")
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestSubscribeFailsOnDestroy(t *testing.T) {
	w := newWorker()
	br := bridgeTo(t, newTestHost(w), testConfig())
	ctx := testCtx(t)
	conn, _ := br.Connect(ctx)
	h, _ := conn.Instantiate(ctx, "Worker")

	sub := h.Subscribe("Count", &CountArgs{}).Subscribe()
	if _, err := sub.Next(ctx); err != nil {
		t.Fatal(err)
	}
	h.Destroy(ctx)
	for {
		_, err := sub.Next(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, rpcerr.ErrHandleDestroyed) {
			t.Fatalf("expect HandleDestroyed, got %v", err)
		}
		break
	}
	if _, err := h.Subscribe("Count", &CountArgs{N: 1}).Subscribe().Next(ctx); !errors.Is(err, rpcerr.ErrHandleDestroyed) {
		t.Fatalf("expect HandleDestroyed for new subscription, got %v", err)
	}
}

func TestNestedConnection(t *testing.T) {
	hostB := newTestHost(newWorker())
	hostA := server.NewHost()
	ab, ba := transport.Pipe()
	go hostB.ServeTransport(ba)
	if err := hostA.AddNested("b", ab); err != nil {
		t.Fatal(err)
	}
	br := bridgeTo(t, hostA, testConfig())

	h := connectEcho(t, br, "b")
	payload := map[string]any{"nested": []any{"x", 1.5, true}}
	out, err := h.Call(testCtx(t), "echo", payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"nested":["x",1.5,true]}` {
		t.Fatalf("payload modified in transit: %s", out)
	}
	if h.Connection().Path()[0] != "b" {
		t.Fatalf("unexpected path %v", h.Connection().Path())
	}
}

func TestNestedHostLost(t *testing.T) {
	w := newWorker()
	hostB := newTestHost(w)
	hostA := server.NewHost()
	ab, ba := transport.Pipe()
	go hostB.ServeTransport(ba)
	hostA.AddNested("b", ab)
	br := bridgeTo(t, hostA, testConfig())

	ctx := testCtx(t)
	conn, err := br.Connect(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	h, _ := conn.Instantiate(ctx, "Worker")
	callErr := make(chan error, 1)
	go func() {
		_, err := h.Call(ctx, "Block", &CountArgs{})
		callErr <- err
	}()
	<-w.blocked

	ab.Close()
	if err := <-callErr; !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect ConnectionLost, got %v", err)
	}
	<-conn.Done()
	if conn.State() != Disconnected {
		t.Fatalf("expect DISCONNECTED, got %s", conn.State())
	}
}

func TestHandshakeFailed(t *testing.T) {
	br := bridgeTo(t, server.NewHost(), testConfig())
	_, err := br.Connect(testCtx(t), "nowhere")
	if !errors.Is(err, rpcerr.ErrHandshakeFailed) {
		t.Fatalf("expect HandshakeFailed, got %v", err)
	}
}

// fakeHost drives the far end of a pipe by hand.
type fakeHost struct {
	t  *testing.T
	tr transport.Transport
}

func newFake(t *testing.T, cfg config.Bridge) (*Bridge, *fakeHost) {
	a, b := transport.Pipe()
	br := New(a, cfg)
	t.Cleanup(func() { br.Close() })
	return br, &fakeHost{t: t, tr: b}
}

func (fh *fakeHost) recv() *message.Frame {
	fh.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := fh.tr.Recv(ctx)
	if err != nil {
		fh.t.Fatalf("fake host recv: %v", err)
	}
	return f
}

func (fh *fakeHost) recvAction(a message.Action) *message.Frame {
	fh.t.Helper()
	for {
		if f := fh.recv(); f.Action == a {
			return f
		}
	}
}

func (fh *fakeHost) send(f *message.Frame) {
	fh.tr.Send(context.Background(), f)
}

// connect acknowledges the next CONNECT from a goroutine so Connect can
// block on the handshake.
func (fh *fakeHost) connect(br *Bridge) *Connection {
	fh.t.Helper()
	go func() {
		f, err := fh.tr.Recv(context.Background())
		if err == nil {
			fh.send(&message.Frame{Action: message.ActionConnect, ConnectionID: f.ConnectionID, Ack: true})
		}
	}()
	conn, err := br.Connect(testCtx(fh.t))
	if err != nil {
		fh.t.Fatalf("connect: %v", err)
	}
	return conn
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	br, _ := newFake(t, cfg)
	start := time.Now()
	_, err := br.Connect(context.Background())
	if !errors.Is(err, rpcerr.ErrHandshakeFailed) {
		t.Fatalf("expect HandshakeFailed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("handshake timeout not honored")
	}
}

func TestHandshakeTimeoutReleasesRemote(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	br, fh := newFake(t, cfg)
	if _, err := br.Connect(context.Background(), "b"); !errors.Is(err, rpcerr.ErrHandshakeFailed) {
		t.Fatalf("expect HandshakeFailed, got %v", err)
	}
	connect := fh.recvAction(message.ActionConnect)
	d := fh.recvAction(message.ActionDestroy)
	if d.ConnectionID != connect.ConnectionID || d.InstanceID != 0 || d.RequestID == 0 {
		t.Fatalf("expect session DESTROY for connection %d, got %s", connect.ConnectionID, d)
	}
	// 无人等待的确认被丢弃
	fh.send(&message.Frame{Action: message.ActionDestroyed, RequestID: d.RequestID, ConnectionID: d.ConnectionID})
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestHandshakeTimeoutFreesNestedRoutes(t *testing.T) {
	hostA := server.NewHost()
	hostA.SetRouteGrace(50 * time.Millisecond)
	ab, silent := transport.Pipe()
	t.Cleanup(func() { silent.Close() })
	go func() {
		for {
			if _, err := silent.Recv(context.Background()); err != nil {
				return
			}
		}
	}()
	if err := hostA.AddNested("b", ab); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	br := bridgeTo(t, hostA, cfg)

	for i := 0; i < 5; i++ {
		if _, err := br.Connect(testCtx(t), "b"); !errors.Is(err, rpcerr.ErrHandshakeFailed) {
			t.Fatalf("expect HandshakeFailed, got %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := hostA.Status()
		if len(st.Nested) == 1 && st.Nested[0].Connections == 0 && st.Nested[0].Closing == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("forwarded connections leaked: %+v", st.Nested)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPingTimeoutReleasesRemote(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 30 * time.Millisecond
	br, fh := newFake(t, cfg)
	conn := fh.connect(br)

	d := fh.recvAction(message.ActionDestroy)
	if d.ConnectionID != conn.ID() || d.InstanceID != 0 {
		t.Fatalf("expect session DESTROY after ping timeout, got %s", d)
	}
	if conn.State() != Disconnected || !errors.Is(conn.Err(), rpcerr.ErrConnectionLost) {
		t.Fatalf("expect lost connection, got %s %v", conn.State(), conn.Err())
	}
}

func TestDestroyWithoutAck(t *testing.T) {
	cfg := testConfig()
	cfg.DestroyGrace = 50 * time.Millisecond
	br, fh := newFake(t, cfg)
	conn := fh.connect(br)
	h := conn.CreateHandle(3)

	start := time.Now()
	if err := h.Destroy(testCtx(t)); err != nil {
		t.Fatalf("destroy without ack should succeed, got %v", err)
	}
	if took := time.Since(start); took < 40*time.Millisecond || took > time.Second {
		t.Fatalf("destroy waited %v, expect about %v", took, cfg.DestroyGrace)
	}
	if d := fh.recvAction(message.ActionDestroy); d.InstanceID != 3 {
		t.Fatalf("unexpected DESTROY %s", d)
	}
	if !h.Destroyed() {
		t.Fatal("handle not destroyed locally")
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
	if _, err := h.Call(testCtx(t), "echo", "a"); !errors.Is(err, rpcerr.ErrHandleDestroyed) {
		t.Fatalf("expect HandleDestroyed, got %v", err)
	}
}

func TestDestroyThroughOtherHandle(t *testing.T) {
	w := newWorker()
	br := bridgeTo(t, newTestHost(w), testConfig())
	ctx := testCtx(t)
	conn, err := br.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h, err := conn.Instantiate(ctx, "Worker")
	if err != nil {
		t.Fatal(err)
	}
	alias := conn.CreateHandle(h.InstanceID())

	callErr := make(chan error, 1)
	go func() {
		_, err := alias.Call(ctx, "Block", &CountArgs{})
		callErr <- err
	}()
	<-w.blocked

	if err := h.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	select {
	case err := <-callErr:
		if !errors.Is(err, rpcerr.ErrHandleDestroyed) {
			t.Fatalf("expect HandleDestroyed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call on the other handle hung after destroy")
	}
	if alias.Destroyed() {
		t.Fatal("other handle should not be destroyed locally")
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestLateResultAfterInterruptIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 100 * time.Millisecond
	br, fh := newFake(t, cfg)
	conn := fh.connect(br)
	h := conn.CreateHandle(1)

	_, err := h.Call(testCtx(t), "echo", "a")
	if !errors.Is(err, rpcerr.ErrCallTimeout) {
		t.Fatalf("expect CallTimeout, got %v", err)
	}
	call := fh.recvAction(message.ActionCall)
	fh.send(&message.Frame{Action: message.ActionResult, RequestID: call.RequestID, ConnectionID: conn.ID(), Payload: json.RawMessage(`"late"`)})

	// 未知 requestId 的帧被丢弃，bridge 继续工作
	fh.send(&message.Frame{Action: message.ActionResult, RequestID: 999, ConnectionID: conn.ID(), Payload: json.RawMessage(`"stray"`)})
	fh.send(&message.Frame{Action: message.ActionCall, RequestID: 5, ConnectionID: conn.ID()})

	go func() {
		f, err := fh.tr.Recv(context.Background())
		if err == nil {
			fh.send(&message.Frame{Action: message.ActionResult, RequestID: f.RequestID, ConnectionID: conn.ID(), Payload: json.RawMessage(`"fresh"`)})
		}
	}()
	out, err := h.Call(testCtx(t), "echo", "b")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"fresh"` {
		t.Fatalf("late or stray result delivered: %s", out)
	}
	if br.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", br.Pending())
	}
}

func TestPingTimeoutFansOut(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 30 * time.Millisecond
	br, fh := newFake(t, cfg)
	conn := fh.connect(br)
	h := conn.CreateHandle(1)

	const n = 5
	type outcome struct {
		err error
		at  time.Time
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.Call(context.Background(), "echo", "x")
			results <- outcome{err, time.Now()}
		}()
	}

	var first, last time.Time
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			if !errors.Is(r.err, rpcerr.ErrConnectionLost) {
				t.Fatalf("expect ConnectionLost, got %v", r.err)
			}
			if first.IsZero() || r.at.Before(first) {
				first = r.at
			}
			if r.at.After(last) {
				last = r.at
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call survived a missing ping ack")
		}
	}
	if skew := last.Sub(first); skew > cfg.PingTimeout {
		t.Fatalf("failures spread over %v, more than one timeout window", skew)
	}
	if conn.State() != Disconnected {
		t.Fatalf("expect DISCONNECTED, got %s", conn.State())
	}
}

func TestPingAckKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	br := bridgeTo(t, newTestHost(newWorker()), cfg)
	h := connectEcho(t, br)

	time.Sleep(100 * time.Millisecond)
	if h.Connection().State() != Connected {
		t.Fatalf("connection dropped despite ping acks: %v", h.Connection().Err())
	}
	if _, err := h.Call(testCtx(t), "echo", 1); err != nil {
		t.Fatal(err)
	}
}

func TestConnectionStates(t *testing.T) {
	br, fh := newFake(t, testConfig())
	conn := fh.connect(br)
	sub := conn.States().Subscribe()
	defer sub.Close()
	ctx := testCtx(t)
	// 先启动订阅，再关闭 bridge
	done := make(chan []State, 1)
	go func() {
		var seen []State
		for {
			s, err := sub.Next(ctx)
			if err == io.EOF {
				done <- seen
				return
			}
			if err != nil {
				done <- seen
				return
			}
			seen = append(seen, s)
		}
	}()
	for !sub.Active() {
		time.Sleep(time.Millisecond)
	}

	br.Close()
	seen := <-done
	if len(seen) != 1 || seen[0] != Disconnected {
		t.Fatalf("expect [DISCONNECTED], got %v", seen)
	}
	if !errors.Is(conn.Err(), rpcerr.ErrConnectionLost) {
		t.Fatalf("expect ConnectionLost after close, got %v", conn.Err())
	}
	if _, err := br.Connect(ctx); !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect Connect on closed bridge to fail, got %v", err)
	}
}

func TestCallOnClosedConnection(t *testing.T) {
	br := bridgeTo(t, newTestHost(newWorker()), testConfig())
	h := connectEcho(t, br)
	if err := h.Connection().Close(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Call(testCtx(t), "echo", "a"); !errors.Is(err, rpcerr.ErrConnectionLost) {
		t.Fatalf("expect ConnectionLost, got %v", err)
	}
}
