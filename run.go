package mcpproxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/mcp-proxy/client"
	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/proxy"
	"github.com/felixgeelhaar/mcp-proxy/registry"
	"github.com/felixgeelhaar/mcp-proxy/session"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// peerServer serves local peers, one session per binding.
type peerServer interface {
	Serve(ctx context.Context, a transport.Acceptor) error
	ServeLocal(ctx context.Context, b transport.Binding) error
}

// networkServer is implemented by the SSE and WebSocket transports.
type networkServer interface {
	transport.Acceptor
	Serve(ctx context.Context) error
	Ready() <-chan struct{}
	ListenAddr() string
}

// RunStdioClient spawns the server described by params and exposes it to
// network peers as configured by settings. It returns nil when ctx ends
// and proxy.ErrRemoteClosed when the child goes away.
func RunStdioClient(ctx context.Context, params StdioParams, settings ServerSettings, opts ...Option) error {
	o := newOptions(opts)
	if params.Command == "" {
		return errors.New("stdio client: command is required")
	}
	if settings.transport() == TransportStdio {
		return errors.New("stdio client: local peers must connect over sse or websocket")
	}

	remote, err := o.startProcess(ctx, params)
	if err != nil {
		return err
	}

	p := proxy.New(remote, o.proxyOptions()...)
	defer p.Close()

	if err := remote.Open(ctx); err != nil {
		return fmt.Errorf("start %s: %w", params.Command, err)
	}
	if err := o.handshake(ctx, p); err != nil {
		return err
	}
	return o.serveNetwork(ctx, p, settings)
}

// RunStreamClient connects to the server at rawURL and exposes it over
// standard streams. http and https URLs are reached over SSE, ws and wss
// URLs over WebSocket. headers are sent with every HTTP request. It
// returns nil when the local peer disconnects or ctx ends.
func RunStreamClient(ctx context.Context, rawURL string, headers map[string]string, opts ...Option) error {
	o := newOptions(opts)

	remote, err := o.remoteStream(ctx, rawURL, headers)
	if err != nil {
		return err
	}

	p := proxy.New(remote, o.proxyOptions()...)
	defer p.Close()

	if err := remote.Open(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", redact(rawURL), err)
	}
	if err := o.handshake(ctx, p); err != nil {
		return err
	}
	return ignoreCancel(ctx, p.ServeLocal(ctx, o.stdio()))
}

// RunLocalServer instantiates the server registered under name and serves
// it to local peers. In-process servers are wrapped in the middleware
// given through WithMiddleware; command-backed servers are proxies that
// carry the options they were registered with.
func RunLocalServer(ctx context.Context, reg *registry.Registry, name string, settings ServerSettings, opts ...Option) error {
	o := newOptions(opts)

	ep, err := reg.Instantiate(ctx, name)
	if err != nil {
		return err
	}
	defer ep.Close()

	o.logger.Info("local server ready", logging.F("server", name))

	srv := o.peerServer(ep)
	switch settings.transport() {
	case TransportStdio:
		return ignoreCancel(ctx, srv.ServeLocal(ctx, o.stdio()))
	default:
		return o.serveNetwork(ctx, srv, settings)
	}
}

// SpawnStdio starts the server described by params and returns an open
// session to it. Closing the session stops the child.
func SpawnStdio(ctx context.Context, params StdioParams, opts ...Option) (*session.Session, error) {
	o := newOptions(opts)
	return o.spawn(ctx, params)
}

// DialStream opens a session to the server at rawURL, over SSE for http
// and https URLs and over WebSocket for ws and wss URLs.
func DialStream(ctx context.Context, rawURL string, headers map[string]string, opts ...Option) (*session.Session, error) {
	o := newOptions(opts)
	return o.connect(ctx, rawURL, headers)
}

func (o options) command(params StdioParams) transport.Command {
	return transport.Command{
		Path:            params.Command,
		Args:            params.Args,
		Env:             params.Env,
		PassEnvironment: params.PassEnvironment,
		Stderr:          o.stderr,
	}
}

func (o options) spawn(ctx context.Context, params StdioParams) (*session.Session, error) {
	c, err := client.Spawn(ctx, o.command(params), o.remoteSessionOptions(params.Command))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", params.Command, err)
	}
	return c.Session(), nil
}

// startProcess spawns the child and returns a session to it that is not
// yet open, so a handler can be installed before traffic flows.
func (o options) startProcess(ctx context.Context, params StdioParams) (*session.Session, error) {
	b, err := transport.StartProcess(ctx, o.command(params))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", params.Command, err)
	}
	return session.New(b, o.remoteSessionOptions(params.Command)...), nil
}

// remoteStream is startProcess for SSE and WebSocket upstreams.
func (o options) remoteStream(ctx context.Context, rawURL string, headers map[string]string) (*session.Session, error) {
	b, err := o.dial(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	return session.New(b, o.remoteSessionOptions(redact(rawURL))...), nil
}

func (o options) connect(ctx context.Context, rawURL string, headers map[string]string) (*session.Session, error) {
	remote, err := o.remoteStream(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	if err := remote.Open(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", redact(rawURL), err)
	}
	return remote, nil
}

// handshake initializes the upstream endpoint so that local peers are
// answered from the cached result.
func (o options) handshake(ctx context.Context, p *proxy.Proxy) error {
	info, err := p.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("upstream handshake: %w", err)
	}
	o.logger.Info("upstream ready",
		logging.F("server", info.Name),
		logging.F("version", info.Version),
		logging.F("protocol", info.ProtocolVersion),
	)
	return nil
}

// serveNetwork runs the network listener and srv until ctx ends or srv
// gives up, whichever comes first.
func (o options) serveNetwork(ctx context.Context, srv peerServer, settings ServerSettings) error {
	ns, scheme, path, err := o.listener(settings)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ns.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-ns.Ready():
		case <-gctx.Done():
			return nil
		}
		u := (&url.URL{Scheme: scheme, Host: ns.ListenAddr(), Path: path}).String()
		o.logger.Info("serving local peers", logging.F("url", u))
		if o.onListen != nil {
			o.onListen(u)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Serve(gctx, ns)
	})
	return g.Wait()
}

func (o options) listener(settings ServerSettings) (networkServer, string, string, error) {
	serverOpts := []transport.ServerOption{
		transport.WithAllowOrigins(settings.AllowOrigins...),
		transport.WithLogger(o.logger),
	}
	switch t := settings.transport(); t {
	case TransportSSE:
		return transport.NewSSE(settings.Addr(), serverOpts...), "http", transport.SSEPath, nil
	case TransportWebSocket:
		return transport.NewWebSocket(settings.Addr(), serverOpts...), "ws", transport.WebSocketPath, nil
	default:
		return nil, "", "", fmt.Errorf("unsupported transport %q", t)
	}
}

func (o options) dial(ctx context.Context, rawURL string, headers map[string]string) (transport.Binding, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return transport.NewSSEClient(rawURL,
			transport.WithHeaders(headers),
			transport.WithClientLogger(o.logger),
		), nil
	case "ws", "wss":
		return transport.DialWebSocket(ctx, rawURL, headers)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (o options) stdio() transport.Binding {
	var opts []transport.StdioOption
	if o.stdin != nil {
		opts = append(opts, transport.WithStdin(o.stdin))
	}
	if o.stdout != nil {
		opts = append(opts, transport.WithStdout(o.stdout))
	}
	return transport.NewStdio(opts...)
}

func (o options) remoteSessionOptions(name string) []session.Option {
	return []session.Option{
		session.WithName("remote:" + name),
		session.WithLogger(o.logger),
		session.WithCallTimeout(o.callTimeout),
	}
}

func (o options) proxyOptions() []proxy.Option {
	return []proxy.Option{
		proxy.WithLogger(o.logger),
		proxy.WithMiddleware(o.middleware...),
		proxy.WithClientOptions(client.WithClientInfo("mcp-proxy", Version)),
	}
}

// ignoreCancel treats the end of ctx as a normal stop.
func ignoreCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// redact drops credentials and the query from a URL for logging.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
