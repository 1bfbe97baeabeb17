package proxy

import (
	"time"

	"github.com/felixgeelhaar/mcp-proxy/client"
	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/middleware"
	"github.com/felixgeelhaar/mcp-proxy/session"
)

// DefaultTeardownTimeout bounds how long local sessions may take to flush
// their last responses once the remote session is gone.
const DefaultTeardownTimeout = 5 * time.Second

// DefaultPeerQueue is how many upstream notifications may wait for one
// local peer before further ones are dropped for it.
const DefaultPeerQueue = 64

// Option configures a Proxy.
type Option func(*options)

type options struct {
	logger          logging.Logger
	middleware      []middleware.Middleware
	localOpts       []session.Option
	clientOpts      []client.Option
	teardownTimeout time.Duration
	peerQueue       int
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMiddleware wraps the forwarding handler. Middleware runs for every
// message a local peer sends, in the order given.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, mw...)
	}
}

// WithLocalSessionOptions sets options applied to every local session
// created by ServeLocal, such as a per-call timeout towards local peers.
func WithLocalSessionOptions(opts ...session.Option) Option {
	return func(o *options) {
		o.localOpts = append(o.localOpts, opts...)
	}
}

// WithClientOptions configures the client used for the handshake with the
// remote endpoint.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithTeardownTimeout overrides DefaultTeardownTimeout.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.teardownTimeout = d
	}
}

// WithPeerQueue overrides DefaultPeerQueue.
func WithPeerQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.peerQueue = n
		}
	}
}
