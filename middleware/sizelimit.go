package middleware

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// SizeLimitOption configures the size limit middleware.
type SizeLimitOption func(*sizeLimitConfig)

type sizeLimitConfig struct {
	logger logging.Logger
}

// WithSizeLimitLogger sets the logger for size limit events.
func WithSizeLimitLogger(l logging.Logger) SizeLimitOption {
	return func(o *sizeLimitConfig) {
		o.logger = l
	}
}

// SizeLimit returns middleware that rejects requests whose params exceed
// maxBytes. Oversized notifications are dropped.
func SizeLimit(maxBytes int64, opts ...SizeLimitOption) Middleware {
	cfg := &sizeLimitConfig{logger: logging.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if size := int64(len(req.Params)); size > maxBytes {
				cfg.logger.Warn("request size limit exceeded",
					logging.F("method", req.Method),
					logging.F("size", size),
					logging.F("max", maxBytes),
				)
				return nil, protocol.NewInvalidRequest(
					fmt.Sprintf("request size %d exceeds limit of %d bytes", size, maxBytes))
			}
			return next(ctx, req)
		}
	}
}

// Common size limit presets.
const (
	KB = 1024
	MB = 1024 * 1024
)
