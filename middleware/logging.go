package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// Logging returns middleware that logs every message passing through it.
// Completed messages are logged at debug level; failures, including error
// responses, at warn level.
func Logging(logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			start := time.Now()

			resp, err := next(ctx, req)

			fields := []logging.Field{
				logging.F("method", req.Method),
				logging.F("duration", time.Since(start)),
			}
			if req.IsNotification() {
				fields = append(fields, logging.F("kind", protocol.KindNotification.String()))
			} else {
				fields = append(fields, logging.F("id", string(req.ID)))
			}
			if requestID := RequestIDFromContext(ctx); requestID != "" {
				fields = append(fields, logging.F("request_id", requestID))
			}
			if peer := protocol.GetRequestMeta(ctx, protocol.MetaPeerID); peer != "" {
				fields = append(fields, logging.F("peer", peer))
			}

			var rpcErr *protocol.Error
			switch {
			case errors.As(err, &rpcErr):
				fields = append(fields, logging.F("code", rpcErr.Code), logging.Err(err))
				logger.Warn("request failed", fields...)
			case err != nil:
				fields = append(fields, logging.Err(err))
				logger.Warn("request failed", fields...)
			case resp != nil && resp.Error != nil:
				fields = append(fields,
					logging.F("code", resp.Error.Code),
					logging.F("error", resp.Error.Message),
				)
				logger.Warn("request failed", fields...)
			default:
				logger.Debug("request completed", fields...)
			}

			return resp, err
		}
	}
}
