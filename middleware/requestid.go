package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// RequestIDOption configures RequestID.
type RequestIDOption func(*requestIDConfig)

type requestIDConfig struct {
	generate func() string
}

// WithRequestIDGenerator replaces the uuid generator.
func WithRequestIDGenerator(fn func() string) RequestIDOption {
	return func(c *requestIDConfig) {
		if fn != nil {
			c.generate = fn
		}
	}
}

// RequestID tags every message with an ID that log lines and spans share.
// The JSON-RPC id cannot serve: it is only unique per session and the
// proxy rewrites it on the way upstream. An ID already in the context is
// kept.
func RequestID(opts ...RequestIDOption) Middleware {
	cfg := requestIDConfig{generate: uuid.NewString}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, cfg.generate())
			}
			return next(ctx, req)
		}
	}
}

// RequestIDFromContext returns the ID set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithRequestID returns a copy of ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
