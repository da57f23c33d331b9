package middleware

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// RecoverMiddleware turns a panicking method into a failed call. The error
// carries the stack of the recover site.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out json.RawMessage, err error) {
			defer func() {
				if p := recover(); p != nil {
					out = nil
					err = errors.Newf("%s.%s panicked: %v", req.Runner, req.Method, p)
				}
			}()
			return next(ctx, req)
		}
	}
}
