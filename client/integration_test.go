package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"worker-runner/codec"
	"worker-runner/loadbalance"
	"worker-runner/middleware"
	"worker-runner/registry"
	"worker-runner/server"
	"worker-runner/transport"
)

func (a *Arith) Multiply(ctx context.Context, args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// 需要本地 etcd；不可用时跳过
func newEtcd(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "Arith"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// TestFullIntegrationWithEtcd 完整端到端测试
// 链路: Client → Registry(etcd) → LB → Bridge → Protocol → Codec → Middleware → Host → 反射调用
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg := newEtcd(t)

	// 1. 启动 Host，挂载中间件，并向 etcd 注册
	h := server.NewHost()
	h.Use(middleware.LoggingMiddleware())
	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.TimeOutMiddleware(time.Second))
	if err := h.RegisterReceiver("Arith", func() any { return &Arith{} }); err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- h.Serve("tcp", "127.0.0.1:19090", "127.0.0.1:19090", reg) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		eps, _ := reg.Discover(ctx, "Arith")
		if len(eps) > 0 {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("host never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 2. 创建 Client（用同一个 registry 做服务发现）
	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, testConfig())
	defer cli.Close()

	handle, err := cli.Instantiate(ctx, "Arith", "")
	if err != nil {
		t.Fatal(err)
	}

	// 3. 测试 Add 和 Multiply
	reply := &Reply{}
	if err := handle.CallInto(ctx, reply, "Add", &Args{A: 3, B: 5}); err != nil || reply.Result != 8 {
		t.Fatalf("Add: expect 8, got %d (%v)", reply.Result, err)
	}
	reply2 := &Reply{}
	if err := handle.CallInto(ctx, reply2, "Multiply", &Args{A: 4, B: 6}); err != nil || reply2.Result != 24 {
		t.Fatalf("Multiply: expect 24, got %d (%v)", reply2.Result, err)
	}

	// 4. 清理：Shutdown 会注销 runner
	if err := h.Shutdown(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatal(err)
	}
	eps, err := reg.Discover(context.Background(), "Arith")
	if err != nil || len(eps) != 0 {
		t.Fatalf("expect no endpoints after shutdown, got %v %v", eps, err)
	}
}

// TestMultiHostRoundRobin 多实例 + 负载均衡
func TestMultiHostRoundRobin(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	var inits [2]atomic.Int32
	for i := range inits {
		h := server.NewHost()
		h.Register("Arith", server.ReceiverFactory(func() any {
			inits[i].Add(1)
			return &Arith{}
		}))
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go h.ServeListener(l)
		t.Cleanup(func() { h.Shutdown(time.Second) })
		reg.Register(context.Background(), "Arith", registry.Endpoint{Addr: l.Addr().String(), Weight: 10}, 10)
	}

	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, testConfig())
	defer cli.Close()

	// 发 10 个请求，验证全部正确
	for i := 1; i <= 10; i++ {
		if got := call(t, cli, "", i, i*10); got != i+i*10 {
			t.Fatalf("request %d: expect %d, got %d", i, i+i*10, got)
		}
	}
	if inits[0].Load() != 5 || inits[1].Load() != 5 {
		t.Fatalf("expect 5/5 instances per host, got %d/%d", inits[0].Load(), inits[1].Load())
	}
}

// TestNestedHostOverTCP 客户端经 A 访问挂在 A 下面的 B
func TestNestedHostOverTCP(t *testing.T) {
	hostB := newHost(t)
	hostB.SetCodec(codec.CodecTypeBinary)
	lb, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go hostB.ServeListener(lb)

	hostA := server.NewHost()
	t.Cleanup(func() { hostA.Shutdown(time.Second) })
	nc, err := net.Dial("tcp", lb.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := hostA.AddNested("b", transport.NewStreamTransport(nc, codec.CodecTypeBinary)); err != nil {
		t.Fatal(err)
	}
	la, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go hostA.ServeListener(la)

	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), "Arith", registry.Endpoint{Addr: la.Addr().String()}, 10)
	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, testConfig())
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cli.Connect(ctx, "Arith", "", "b")
	if err != nil {
		t.Fatal(err)
	}
	handle, err := conn.Instantiate(ctx, "Arith")
	if err != nil {
		t.Fatal(err)
	}
	reply := &Reply{}
	if err := handle.CallInto(ctx, reply, "Multiply", &Args{A: 6, B: 7}); err != nil || reply.Result != 42 {
		t.Fatalf("expect 42 through nested host, got %d (%v)", reply.Result, err)
	}
	if st := hostA.Status(); len(st.Nested) != 1 || st.Nested[0].Connections != 1 {
		t.Fatalf("expect one forwarded route on host A, got %+v", st.Nested)
	}
}
