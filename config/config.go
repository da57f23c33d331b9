// Package config holds the tunables of the bridge and of the host binary.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file, environment variables, then command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bridge configures the client side of a connection.
type Bridge struct {
	// PingInterval is the liveness probe period for a connected link.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PingTimeout bounds the wait for a PING ack before the link is lost.
	PingTimeout time.Duration `yaml:"ping_timeout"`
	// CallTimeout bounds a single call; zero disables the bound.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// HandshakeTimeout bounds the wait for a CONNECT ack.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// DestroyGrace bounds the wait for a DESTROYED ack. The handle is
	// considered destroyed locally regardless.
	DestroyGrace time.Duration `yaml:"destroy_grace"`
	// Codec is the body codec on byte-stream transports: json or binary.
	Codec string `yaml:"codec"`
}

// Host configures the runner-host binary.
type Host struct {
	ListenAddr      string            `yaml:"listen_addr"`
	HTTPAddr        string            `yaml:"http_addr"`
	AdvertiseAddr   string            `yaml:"advertise_addr"`
	EtcdEndpoints   []string          `yaml:"etcd_endpoints"`
	RegistryTTL     int64             `yaml:"registry_ttl"`
	RouteGrace      time.Duration     `yaml:"route_grace"` // reservation of a forwarded id awaiting DESTROYED
	CallTimeout     time.Duration     `yaml:"call_timeout"`
	RateLimit       float64           `yaml:"rate_limit"`
	RateBurst       int               `yaml:"rate_burst"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Nested          map[string]string `yaml:"nested"`
	LogLevel        string            `yaml:"log_level"`
}

// File is the YAML document layout.
type File struct {
	Bridge Bridge `yaml:"bridge"`
	Host   Host   `yaml:"host"`
}

// DefaultBridge returns the built-in bridge defaults.
func DefaultBridge() Bridge {
	return Bridge{
		PingInterval:     5 * time.Second,
		PingTimeout:      3 * time.Second,
		CallTimeout:      0,
		HandshakeTimeout: 5 * time.Second,
		DestroyGrace:     time.Second,
		Codec:            "json",
	}
}

// DefaultHost returns the built-in host defaults.
func DefaultHost() Host {
	return Host{
		ListenAddr:      ":7070",
		HTTPAddr:        ":7080",
		RegistryTTL:     10,
		RouteGrace:      5 * time.Second,
		CallTimeout:     time.Minute,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

// Default returns a File filled with defaults.
func Default() File {
	return File{Bridge: DefaultBridge(), Host: DefaultHost()}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (File, error) {
	f := Default()
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, f.Bridge.Validate()
}

// Validate rejects combinations the bridge cannot honor.
func (b Bridge) Validate() error {
	if b.PingInterval < 0 || b.PingTimeout < 0 || b.CallTimeout < 0 || b.HandshakeTimeout < 0 || b.DestroyGrace < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if b.PingInterval > 0 && b.PingTimeout == 0 {
		return fmt.Errorf("ping_timeout is required when ping_interval is set")
	}
	switch b.Codec {
	case "", "json", "binary":
	default:
		return fmt.Errorf("unknown codec %q", b.Codec)
	}
	return nil
}

// ApplyEnv overrides fields from WR_* environment variables.
func (b *Bridge) ApplyEnv() {
	b.PingInterval = getDuration("WR_PING_INTERVAL", b.PingInterval)
	b.PingTimeout = getDuration("WR_PING_TIMEOUT", b.PingTimeout)
	b.CallTimeout = getDuration("WR_CALL_TIMEOUT", b.CallTimeout)
	b.HandshakeTimeout = getDuration("WR_HANDSHAKE_TIMEOUT", b.HandshakeTimeout)
	b.DestroyGrace = getDuration("WR_DESTROY_GRACE", b.DestroyGrace)
	b.Codec = getEnv("WR_CODEC", b.Codec)
}

// BindFlags binds the bridge fields to fs so main can call fs.Parse.
func (b *Bridge) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&b.PingInterval, "ping-interval", b.PingInterval, "liveness probe period (0 disables probing)")
	fs.DurationVar(&b.PingTimeout, "ping-timeout", b.PingTimeout, "time to wait for a ping ack before the connection is lost")
	fs.DurationVar(&b.CallTimeout, "call-timeout", b.CallTimeout, "maximum duration of a single call (0 for no limit)")
	fs.DurationVar(&b.HandshakeTimeout, "handshake-timeout", b.HandshakeTimeout, "time to wait for a connect ack")
	fs.DurationVar(&b.DestroyGrace, "destroy-grace", b.DestroyGrace, "time to wait for a destroy acknowledgment")
	fs.StringVar(&b.Codec, "codec", b.Codec, "body codec on TCP links (json, binary)")
}

// ApplyEnv overrides fields from WR_* environment variables.
func (h *Host) ApplyEnv() {
	h.ListenAddr = getEnv("WR_LISTEN_ADDR", h.ListenAddr)
	h.HTTPAddr = getEnv("WR_HTTP_ADDR", h.HTTPAddr)
	h.AdvertiseAddr = getEnv("WR_ADVERTISE_ADDR", h.AdvertiseAddr)
	if v := getEnv("WR_ETCD_ENDPOINTS", ""); v != "" {
		h.EtcdEndpoints = splitList(v)
	}
	h.CallTimeout = getDuration("WR_HOST_CALL_TIMEOUT", h.CallTimeout)
	h.RouteGrace = getDuration("WR_ROUTE_GRACE", h.RouteGrace)
	if v, err := strconv.ParseFloat(getEnv("WR_RATE_LIMIT", ""), 64); err == nil {
		h.RateLimit = v
	}
	if v, err := strconv.Atoi(getEnv("WR_RATE_BURST", "")); err == nil {
		h.RateBurst = v
	}
	h.LogLevel = getEnv("LOG_LEVEL", h.LogLevel)
}

// BindFlags binds the host fields to fs.
func (h *Host) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&h.ListenAddr, "listen", h.ListenAddr, "TCP listen address for framed connections (empty disables)")
	fs.StringVar(&h.HTTPAddr, "http", h.HTTPAddr, "HTTP listen address for WebSocket connections and /metrics (empty disables)")
	fs.StringVar(&h.AdvertiseAddr, "advertise", h.AdvertiseAddr, "address registered for discovery (e.g. 127.0.0.1:7070)")
	fs.Func("etcd", "comma separated etcd endpoints (enables registration)", func(v string) error {
		h.EtcdEndpoints = splitList(v)
		return nil
	})
	fs.DurationVar(&h.CallTimeout, "host-call-timeout", h.CallTimeout, "maximum duration of a method on this host")
	fs.DurationVar(&h.RouteGrace, "route-grace", h.RouteGrace, "time a forwarded connection id stays reserved waiting for the nested destroy ack")
	fs.Float64Var(&h.RateLimit, "rate-limit", h.RateLimit, "calls per second accepted by this host (0 disables)")
	fs.IntVar(&h.RateBurst, "rate-burst", h.RateBurst, "burst size for the rate limit")
	fs.DurationVar(&h.ShutdownTimeout, "shutdown-timeout", h.ShutdownTimeout, "time to wait for in-flight calls on shutdown")
	fs.StringVar(&h.LogLevel, "log-level", h.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, it := range strings.Split(v, ",") {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
