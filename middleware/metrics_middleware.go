package middleware

import (
	"context"
	"encoding/json"

	"worker-runner/metrics"
)

func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (json.RawMessage, error) {
			out, err := next(ctx, req)
			metrics.RecordHostCall(req.Method, err == nil)
			return out, err
		}
	}
}
