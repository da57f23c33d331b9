package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Emitter pushes one element of a streamed result back to the caller.
// Emit fails once the caller has unsubscribed or the instance is destroyed.
type Emitter interface {
	Emit(v any) error
}

type UnaryFunc func(ctx context.Context, args []json.RawMessage) (any, error)

type StreamFunc func(ctx context.Context, args []json.RawMessage, emit Emitter) error

// Capabilities is the method table of one runner instance. It is fixed when
// the instance is created; calls are resolved against it by name.
type Capabilities struct {
	Methods map[string]UnaryFunc
	Streams map[string]StreamFunc
	// Close is invoked once when the instance is destroyed.
	Close func() error
}

// Factory builds a new instance from the INIT arguments.
type Factory func(ctx context.Context, args []json.RawMessage) (*Capabilities, error)

// Initializer is implemented by receivers that consume INIT arguments.
type Initializer interface {
	Init(ctx context.Context, args []json.RawMessage) error
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	emitterType = reflect.TypeOf((*Emitter)(nil)).Elem()
)

// ReceiverFactory returns a Factory that creates a receiver with ctor and
// exposes its methods.
func ReceiverFactory(ctor func() any) Factory {
	return func(ctx context.Context, args []json.RawMessage) (*Capabilities, error) {
		rcvr := ctor()
		if in, ok := rcvr.(Initializer); ok {
			if err := in.Init(ctx, args); err != nil {
				return nil, err
			}
		}
		return NewCapabilities(rcvr)
	}
}

// NewCapabilities 扫描 rcvr 的导出方法，建立方法表。合法签名：
//
//	func (r *T) Name(ctx context.Context, args *A, reply *R) error
//	func (r *T) Name(ctx context.Context, args *A, emit server.Emitter) error
//
// A method receives the first call argument decoded into *A.
func NewCapabilities(rcvr any) (*Capabilities, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("runner: rcvr must be a pointer, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)
	caps := &Capabilities{
		Methods: make(map[string]UnaryFunc),
		Streams: make(map[string]StreamFunc),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != contextType || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		fn := val.Method(i)
		argType := mt.In(2).Elem()
		switch {
		case mt.In(3) == emitterType:
			caps.Streams[m.Name] = reflectStream(fn, argType)
		case mt.In(3).Kind() == reflect.Ptr:
			caps.Methods[m.Name] = reflectUnary(fn, argType, mt.In(3).Elem())
		}
	}
	if c, ok := rcvr.(interface{ Close() error }); ok {
		caps.Close = c.Close
	}
	if len(caps.Methods) == 0 && len(caps.Streams) == 0 {
		return nil, fmt.Errorf("runner: %s has no callable methods", typ)
	}
	return caps, nil
}

func decodeArg(args []json.RawMessage, argType reflect.Type) (reflect.Value, error) {
	argv := reflect.New(argType)
	if len(args) > 1 {
		return argv, fmt.Errorf("expected at most one argument, got %d", len(args))
	}
	if len(args) == 1 {
		if err := json.Unmarshal(args[0], argv.Interface()); err != nil {
			return argv, fmt.Errorf("decode argument: %w", err)
		}
	}
	return argv, nil
}

func callResult(results []reflect.Value) error {
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func reflectUnary(fn reflect.Value, argType, replyType reflect.Type) UnaryFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		argv, err := decodeArg(args, argType)
		if err != nil {
			return nil, err
		}
		replyv := reflect.New(replyType)
		if err := callResult(fn.Call([]reflect.Value{reflect.ValueOf(ctx), argv, replyv})); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

func reflectStream(fn reflect.Value, argType reflect.Type) StreamFunc {
	return func(ctx context.Context, args []json.RawMessage, emit Emitter) error {
		argv, err := decodeArg(args, argType)
		if err != nil {
			return err
		}
		return callResult(fn.Call([]reflect.Value{reflect.ValueOf(ctx), argv, reflect.ValueOf(&emit).Elem()}))
	}
}
