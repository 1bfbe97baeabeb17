package session

import (
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
)

// DefaultOpenTimeout bounds the transport handshake in Open.
const DefaultOpenTimeout = 30 * time.Second

// Option configures a Session.
type Option func(*options)

type options struct {
	name        string
	logger      logging.Logger
	handler     Handler
	callTimeout time.Duration
	openTimeout time.Duration
	queueSize   int
}

// WithName names the session in log entries.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHandler sets the handler for peer-originated requests and notifications.
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithCallTimeout bounds every Call. Zero means calls wait until their
// context ends or the session closes.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithOpenTimeout bounds the transport handshake performed by Open.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		o.openTimeout = d
	}
}

// WithNotificationQueue sets how many inbound notifications may wait for
// the handler before the receive loop blocks.
func WithNotificationQueue(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}
