// Package middleware provides middleware utilities for MCP request handling.
package middleware

import (
	"context"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// HandlerFunc is the signature for request handlers. Notifications flow
// through the same chain; their response is ignored.
type HandlerFunc func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middleware so that Chain(m1, m2)(h) runs m1, then m2,
// then h. Nil entries are skipped.
func Chain(middlewares ...Middleware) Middleware {
	return func(final HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			if middlewares[i] != nil {
				final = middlewares[i](final)
			}
		}
		return final
	}
}
