package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// Timeout bounds how long a request may take. When the deadline fires and
// the handler gives back a bare context error, the peer receives a
// RequestTimeout error instead of an internal one. Notifications are not
// bounded.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if req.IsNotification() {
				return next(ctx, req)
			}

			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			resp, err := next(ctx, req)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				var rpcErr *protocol.Error
				if !errors.As(err, &rpcErr) {
					return nil, protocol.NewRequestTimeout(fmt.Sprintf("%s exceeded %s", req.Method, d))
				}
			}
			return resp, err
		}
	}
}
