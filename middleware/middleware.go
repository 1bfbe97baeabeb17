package middleware

import (
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
)

// DefaultStack returns the middleware every forwarded message passes
// through: panic recovery, request IDs and logging. A positive timeout
// adds a Timeout between the request ID and the log line, so the logged
// duration includes it.
func DefaultStack(logger logging.Logger, timeout ...time.Duration) []Middleware {
	stack := []Middleware{
		Recover(WithRecoverLogger(logger)),
		RequestID(),
	}
	if len(timeout) > 0 && timeout[0] > 0 {
		stack = append(stack, Timeout(timeout[0]))
	}
	return append(stack, Logging(logger))
}
