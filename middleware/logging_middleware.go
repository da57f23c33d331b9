package middleware

import (
	"context"
	"encoding/json"
	"time"

	"worker-runner/logx"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			start := time.Now()
			out, err := next(ctx, req)
			ev := logx.Log.Debug()
			if err != nil {
				ev = logx.Log.Warn().Err(err)
			}
			ev.Str("runner", req.Runner).
				Str("method", req.Method).
				Uint32("connection_id", req.ConnectionID).
				Uint32("instance_id", req.InstanceID).
				Bool("stream", req.Stream).
				Dur("duration", time.Since(start)).
				Msg("call")
			return out, err
		}
	}
}
