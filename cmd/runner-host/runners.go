package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"worker-runner/server"
)

// echoRunner exposes an explicit capability table.
func echoRunner(ctx context.Context, args []json.RawMessage) (*server.Capabilities, error) {
	return &server.Capabilities{
		Methods: map[string]server.UnaryFunc{
			"echo": func(ctx context.Context, args []json.RawMessage) (any, error) {
				if len(args) == 0 {
					return nil, nil
				}
				return args[0], nil
			},
			"fail": func(ctx context.Context, args []json.RawMessage) (any, error) {
				msg := "failed on request"
				if len(args) > 0 {
					json.Unmarshal(args[0], &msg)
				}
				return nil, errors.New(msg)
			},
		},
		Streams: map[string]server.StreamFunc{
			// repeat emits its first argument as many times as the second says.
			"repeat": func(ctx context.Context, args []json.RawMessage, emit server.Emitter) error {
				if len(args) < 2 {
					return errors.New("repeat: expected a value and a count")
				}
				var n int
				if err := json.Unmarshal(args[1], &n); err != nil {
					return errors.Wrap(err, "repeat: count")
				}
				for i := 0; i < n; i++ {
					if err := emit.Emit(args[0]); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}, nil
}

type CounterArgs struct {
	N        int           `json:"n"`
	Interval time.Duration `json:"interval"`
}

type CounterReply struct {
	Value int `json:"value"`
}

// Counter is a stateful runner exposed by reflection.
type Counter struct {
	value int
}

// Init takes an optional starting value.
func (c *Counter) Init(ctx context.Context, args []json.RawMessage) error {
	if len(args) > 0 {
		return json.Unmarshal(args[0], &c.value)
	}
	return nil
}

func (c *Counter) Add(ctx context.Context, args *CounterArgs, reply *CounterReply) error {
	c.value += args.N
	reply.Value = c.value
	return nil
}

func (c *Counter) Get(ctx context.Context, args *CounterArgs, reply *CounterReply) error {
	reply.Value = c.value
	return nil
}

// Tick emits the counter N times, incrementing it each time. N == 0 ticks
// until the subscriber goes away.
func (c *Counter) Tick(ctx context.Context, args *CounterArgs, emit server.Emitter) error {
	interval := args.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; args.N == 0 || i < args.N; i++ {
		c.value++
		if err := emit.Emit(CounterReply{Value: c.value}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func registerRunners(h *server.Host) error {
	h.Register("Echo", echoRunner)
	return h.RegisterReceiver("Counter", func() any { return &Counter{} })
}
