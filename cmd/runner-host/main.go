// runner-host serves runner instances over framed TCP and WebSocket, and
// relays connections to nested hosts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"worker-runner/codec"
	"worker-runner/config"
	"worker-runner/logx"
	"worker-runner/metrics"
	"worker-runner/middleware"
	"worker-runner/registry"
	"worker-runner/server"
	"worker-runner/transport"
)

var version = "dev"

// configPath finds --config before flags are bound so the file can seed the
// flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		a = strings.TrimLeft(a, "-")
		if a == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "config=") {
			return strings.TrimPrefix(a, "config=")
		}
	}
	return os.Getenv("WR_CONFIG")
}

func main() {
	// defaults < file < env < args
	file, err := config.Load(configPath(os.Args[1:]))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	file.Host.ApplyEnv()
	file.Bridge.ApplyEnv()
	file.Host.BindFlags(flag.CommandLine)
	file.Bridge.BindFlags(flag.CommandLine)
	flag.String("config", "", "YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	child := flag.Bool("child", false, "attach an in-process nested host named \"child\"")
	flag.Parse()
	if *showVersion {
		fmt.Printf("runner-host version=%s\n", version)
		return
	}
	if err := file.Bridge.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}
	logx.Configure(file.Host.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, file, *child); err != nil {
		logx.Log.Fatal().Err(err).Msg("runner-host stopped")
	}
}

func newHost(cfg config.Host, ct codec.CodecType) (*server.Host, error) {
	h := server.NewHost()
	h.SetCodec(ct)
	h.SetRegistryTTL(cfg.RegistryTTL)
	h.SetRouteGrace(cfg.RouteGrace)
	// 执行顺序: Recover → Logging → Metrics → RateLimit → Timeout → invoke
	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.LoggingMiddleware())
	h.Use(middleware.MetricsMiddleware())
	if cfg.RateLimit > 0 {
		h.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	h.Use(middleware.TimeOutMiddleware(cfg.CallTimeout))
	if err := registerRunners(h); err != nil {
		return nil, err
	}
	return h, nil
}

func run(ctx context.Context, file config.File, child bool) error {
	ct, err := codec.ParseCodecType(file.Bridge.Codec)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	h, err := newHost(file.Host, ct)
	if err != nil {
		return err
	}

	if child {
		c, err := newHost(file.Host, ct)
		if err != nil {
			return err
		}
		up, down := transport.Pipe()
		go c.ServeTransport(down)
		if err := h.AddNested("child", up); err != nil {
			return err
		}
		defer c.Shutdown(file.Host.ShutdownTimeout)
	}
	for name, addr := range file.Host.Nested {
		var d net.Dialer
		dctx, cancel := context.WithTimeout(ctx, file.Bridge.HandshakeTimeout)
		conn, err := d.DialContext(dctx, "tcp", addr)
		cancel()
		if err != nil {
			return fmt.Errorf("dial nested host %s at %s: %w", name, addr, err)
		}
		if err := h.AddNested(name, transport.NewStreamTransport(conn, ct)); err != nil {
			return err
		}
		logx.Log.Info().Str("nested", name).Str("addr", addr).Msg("nested host attached")
	}

	var discovery registry.Registry
	if len(file.Host.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(file.Host.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcd.Close()
		discovery = etcd
	}

	g, gctx := errgroup.WithContext(ctx)
	if file.Host.ListenAddr != "" {
		advertise := file.Host.AdvertiseAddr
		if advertise == "" {
			advertise = file.Host.ListenAddr
		}
		g.Go(func() error {
			return h.Serve("tcp", file.Host.ListenAddr, advertise, discovery)
		})
	}
	var srv *http.Server
	if file.Host.HTTPAddr != "" {
		srv = &http.Server{Addr: file.Host.HTTPAddr, Handler: newRouter(h, reg), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logx.Log.Info().Str("addr", srv.Addr).Msg("http server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logx.Log.Info().Msg("shutting down")
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), file.Host.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("http server shutdown")
			}
		}
		if err := h.Shutdown(file.Host.ShutdownTimeout); err != nil {
			logx.Log.Warn().Err(err).Msg("host shutdown")
		}
		return nil
	})
	return g.Wait()
}
