// Package middleware wraps the host's method dispatch.
package middleware

import (
	"context"
	"encoding/json"
)

// Request describes one method invocation on a runner instance.
type Request struct {
	ConnectionID uint32
	InstanceID   uint32
	Runner       string
	Method       string
	Args         []json.RawMessage
	Stream       bool
}

// HandlerFunc runs a method. Streaming methods emit through their own channel
// and return a nil result.
type HandlerFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
