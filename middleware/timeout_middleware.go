package middleware

import (
	"context"
	"encoding/json"
	"time"

	"worker-runner/rpcerr"
)

type callResult struct {
	out json.RawMessage
	err error
}

// TimeOutMiddleware bounds a unary call. The method keeps running in the
// background with a cancelled context; its late result is discarded.
// Streaming calls run until the subscriber goes away.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			if req.Stream {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan callResult, 1)
			go func() {
				out, err := next(ctx, req)
				done <- callResult{out, err}
			}()

			select {
			case r := <-done:
				return r.out, r.err
			case <-ctx.Done():
				return nil, rpcerr.CallTimeout("%s.%s exceeded %v", req.Runner, req.Method, timeout)
			}
		}
	}
}
