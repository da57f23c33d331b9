package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"worker-runner/bridge"
	"worker-runner/codec"
	"worker-runner/config"
	"worker-runner/metrics"
	"worker-runner/rpcerr"
	"worker-runner/server"
	"worker-runner/transport"
)

func TestConfigPath(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml", "-listen", ":1"}, "b.yaml"},
		{[]string{"-listen", ":1"}, ""},
	}
	t.Setenv("WR_CONFIG", "")
	for _, c := range cases {
		if got := configPath(c.args); got != c.want {
			t.Fatalf("configPath(%v) = %q, want %q", c.args, got, c.want)
		}
	}
}

func startDemo(t *testing.T) (*server.Host, *httptest.Server) {
	cfg := config.DefaultHost()
	cfg.CallTimeout = time.Second
	h, err := newHost(cfg, codec.CodecTypeJSON)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	srv := httptest.NewServer(newRouter(h, reg))
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown(time.Second)
	})
	return h, srv
}

func TestRouterHealthAndMetrics(t *testing.T) {
	_, srv := startDemo(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st server.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || len(st.Runners) != 2 {
		t.Fatalf("unexpected status %d %+v", resp.StatusCode, st)
	}

	resp2, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != http.StatusOK || !strings.Contains(string(body), "worker_runner_") {
		t.Fatalf("metrics endpoint: %d %s", resp2.StatusCode, body)
	}
}

func TestDemoRunnersOverWebSocket(t *testing.T) {
	_, srv := startDemo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/connect")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultBridge()
	cfg.PingInterval = 0
	br := bridge.New(tr, cfg)
	defer br.Close()
	conn, err := br.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}

	counter, err := conn.Instantiate(ctx, "Counter", 10)
	if err != nil {
		t.Fatal(err)
	}
	var reply CounterReply
	if err := counter.CallInto(ctx, &reply, "Add", CounterArgs{N: 5}); err != nil || reply.Value != 15 {
		t.Fatalf("Add: expect 15, got %d (%v)", reply.Value, err)
	}
	var ticks []int
	for v, err := range counter.Subscribe("Tick", CounterArgs{N: 3, Interval: time.Millisecond}).All(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		var r CounterReply
		json.Unmarshal(v, &r)
		ticks = append(ticks, r.Value)
	}
	if len(ticks) != 3 || ticks[0] != 16 || ticks[2] != 18 {
		t.Fatalf("unexpected ticks %v", ticks)
	}

	echo, err := conn.Instantiate(ctx, "Echo")
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := echo.CallInto(ctx, &s, "echo", "hi"); err != nil || s != "hi" {
		t.Fatalf("echo: %q %v", s, err)
	}
	_, err = echo.Call(ctx, "fail", "nope")
	var re *rpcerr.Error
	if !rpcerr.Is(err, rpcerr.ErrRemoteCallFailed) || !errors.As(err, &re) || re.Message != "nope" {
		t.Fatalf("expect remote failure \"nope\", got %v", err)
	}
	n := 0
	for _, err := range echo.Subscribe("repeat", "x", 4).All(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 4 {
		t.Fatalf("expect 4 repeats, got %d", n)
	}
}
