package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// PanicHandler turns a recovered panic into the answer for req.
type PanicHandler func(ctx context.Context, req *protocol.Request, panicVal any) (*protocol.Response, error)

// RecoverOption configures Recover.
type RecoverOption func(*recoverConfig)

type recoverConfig struct {
	handler PanicHandler
	logger  logging.Logger
}

// WithPanicHandler replaces the default answer, an InternalError naming
// the panic value.
func WithPanicHandler(h PanicHandler) RecoverOption {
	return func(c *recoverConfig) {
		if h != nil {
			c.handler = h
		}
	}
}

// WithRecoverLogger logs every recovered panic with its stack.
func WithRecoverLogger(l logging.Logger) RecoverOption {
	return func(c *recoverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Recover returns middleware that keeps a panicking handler from taking
// the session down with it.
func Recover(opts ...RecoverOption) Middleware {
	cfg := recoverConfig{handler: internalErrorOnPanic, logger: logging.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				cfg.logger.Error("handler panicked",
					logging.F("method", req.Method),
					logging.F("id", string(req.ID)),
					logging.F("panic", fmt.Sprint(r)),
					logging.F("stack", string(debug.Stack())),
				)
				resp, err = cfg.handler(ctx, req, r)
			}()
			return next(ctx, req)
		}
	}
}

func internalErrorOnPanic(_ context.Context, _ *protocol.Request, panicVal any) (*protocol.Response, error) {
	return nil, protocol.NewInternalError(fmt.Sprintf("panic: %v", panicVal))
}
