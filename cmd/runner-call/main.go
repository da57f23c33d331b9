// runner-call instantiates a runner on a host and calls one of its methods.
//
//	runner-call -addr 127.0.0.1:7070 -runner Counter -init '[10]' -method Add -args '[{"n":5}]'
//	runner-call -etcd 127.0.0.1:2379 -runner Counter -method Tick -stream -args '[{"n":3}]'
//	runner-call -addr 127.0.0.1:7080 -transport ws -path child -runner Echo -method echo -args '["hi"]'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"

	"worker-runner/bridge"
	"worker-runner/client"
	"worker-runner/config"
	"worker-runner/loadbalance"
	"worker-runner/logx"
	"worker-runner/registry"
)

type options struct {
	addr      string
	transport string
	etcd      string
	balancer  string
	key       string
	path      string
	runner    string
	method    string
	initArgs  string
	args      string
	stream    bool
	limit     int
	logLevel  string
}

func main() {
	cfg := config.DefaultBridge()
	cfg.ApplyEnv()
	var o options
	fs := flag.CommandLine
	cfg.BindFlags(fs)
	fs.StringVar(&o.addr, "addr", "127.0.0.1:7070", "host address (ignored with -etcd)")
	fs.StringVar(&o.transport, "transport", "tcp", "tcp or ws")
	fs.StringVar(&o.etcd, "etcd", "", "comma separated etcd endpoints; discover the host instead of -addr")
	fs.StringVar(&o.balancer, "balancer", "roundrobin", "roundrobin, weighted or hash")
	fs.StringVar(&o.key, "key", "", "session key for the hash balancer")
	fs.StringVar(&o.path, "path", "", "comma separated nested host names")
	fs.StringVar(&o.runner, "runner", "", "runner to instantiate")
	fs.StringVar(&o.method, "method", "", "method to call")
	fs.StringVar(&o.initArgs, "init", "", "JSON array of constructor arguments")
	fs.StringVar(&o.args, "args", "", "JSON array of call arguments")
	fs.BoolVar(&o.stream, "stream", false, "subscribe to a streaming method")
	fs.IntVar(&o.limit, "n", 0, "stop a stream after n values (0 for all)")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log verbosity")
	flag.Parse()
	logx.Configure(o.logLevel)

	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, o, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseArgs decodes a JSON array into call arguments.
func parseArgs(s string) ([]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, errors.Wrap(err, "arguments must be a JSON array")
	}
	out := make([]any, len(raw))
	for i, r := range raw {
		out[i] = r
	}
	return out, nil
}

func connect(ctx context.Context, cfg config.Bridge, o options) (*bridge.Connection, func(), error) {
	path := splitPath(o.path)
	if o.etcd != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(o.etcd, ","))
		if err != nil {
			return nil, nil, err
		}
		bal, err := loadbalance.New(o.balancer)
		if err != nil {
			reg.Close()
			return nil, nil, err
		}
		cli := client.NewClient(reg, bal, cfg)
		conn, err := cli.Connect(ctx, o.runner, o.key, path...)
		cleanup := func() {
			cli.Close()
			reg.Close()
		}
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		return conn, cleanup, nil
	}
	br, err := client.Dial(ctx, registry.Endpoint{Addr: o.addr, Transport: o.transport}, cfg)
	if err != nil {
		return nil, nil, err
	}
	conn, err := br.Connect(ctx, path...)
	if err != nil {
		br.Close()
		return nil, nil, err
	}
	return conn, func() { br.Close() }, nil
}

func splitPath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, cfg config.Bridge, o options, out io.Writer) error {
	if o.runner == "" || o.method == "" {
		return errors.New("-runner and -method are required")
	}
	initArgs, err := parseArgs(o.initArgs)
	if err != nil {
		return errors.Wrap(err, "-init")
	}
	args, err := parseArgs(o.args)
	if err != nil {
		return errors.Wrap(err, "-args")
	}

	conn, cleanup, err := connect(ctx, cfg, o)
	if err != nil {
		return err
	}
	defer cleanup()

	h, err := conn.Instantiate(ctx, o.runner, initArgs...)
	if err != nil {
		return err
	}
	defer h.Destroy(context.WithoutCancel(ctx))

	if !o.stream {
		res, err := h.Call(ctx, o.method, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(res))
		return nil
	}
	n := 0
	for v, err := range h.Subscribe(o.method, args...).All(ctx) {
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(v))
		n++
		if o.limit > 0 && n >= o.limit {
			break
		}
	}
	return nil
}
