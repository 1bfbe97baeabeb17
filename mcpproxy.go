// Package mcpproxy bridges MCP endpoints that speak different transports.
//
// Three run modes are provided:
//
//   - RunStdioClient spawns a server that speaks over standard streams and
//     exposes it to network peers over SSE or WebSocket.
//   - RunStreamClient connects to a network server and exposes it over the
//     process's own standard streams.
//   - RunLocalServer serves a registered server to network peers, or over
//     standard streams.
//
// Every mode blocks until ctx ends or the upstream side goes away:
//
//	err := mcpproxy.RunStdioClient(ctx,
//	    mcpproxy.StdioParams{Command: "uvx", Args: []string{"mcp-server-fetch"}},
//	    mcpproxy.ServerSettings{BindHost: "127.0.0.1", Port: 8080},
//	    mcpproxy.WithLogger(logger),
//	)
package mcpproxy

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/middleware"
)

// Version is reported as the client version in upstream handshakes.
const Version = "0.4.0"

// Transport names accepted in ServerSettings.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportStdio     = "stdio"
)

// ServerSettings configures the side that local peers connect to.
type ServerSettings struct {
	BindHost     string
	Port         int // 0 picks a free port
	AllowOrigins []string
	Transport    string // TransportSSE when empty
}

// Addr returns the listen address.
func (s ServerSettings) Addr() string {
	host := s.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

func (s ServerSettings) transport() string {
	if s.Transport == "" {
		return TransportSSE
	}
	return s.Transport
}

// StdioParams describes the child server spawned by RunStdioClient.
type StdioParams struct {
	Command         string
	Args            []string
	Env             map[string]string
	PassEnvironment bool
}

// Option configures a run mode.
type Option func(*options)

type options struct {
	logger      logging.Logger
	middleware  []middleware.Middleware
	callTimeout time.Duration
	onListen    func(url string)
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
}

func newOptions(opts []Option) options {
	o := options{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger handed to every component.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMiddleware wraps the handling of every message from a local peer.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, mw...)
	}
}

// WithCallTimeout bounds every request sent upstream. Zero means no limit.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithOnListen registers fn to be called with the URL local peers connect
// to, once the network listener is bound.
func WithOnListen(fn func(url string)) Option {
	return func(o *options) {
		o.onListen = fn
	}
}

// WithStdio replaces the process's standard input and output for modes
// that serve the local peer over standard streams.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(o *options) {
		o.stdin = r
		o.stdout = w
	}
}

// WithChildStderr sets where a spawned child's standard error goes.
// Defaults to the process's standard error.
func WithChildStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}
