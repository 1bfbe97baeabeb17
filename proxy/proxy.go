// Package proxy exposes a remote session as a local endpoint.
//
// The proxy knows nothing about individual methods. Every request a local
// peer sends is forwarded through the remote session and the answer is
// returned under the local request's id; remote errors pass through
// unchanged. Notifications are relayed as they are. Traffic the remote
// originates flows the other way: notifications reach every attached peer
// and requests go to the most recently attached one.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/mcp-proxy/client"
	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/middleware"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/session"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// ErrRemoteClosed is returned by ServeLocal and Serve when the remote
// session ended while local peers were attached.
var ErrRemoteClosed = errors.New("proxy: remote session closed")

// Proxy forwards local traffic to a remote session.
type Proxy struct {
	remote  *session.Session
	client  *client.Client
	opts    options
	logger  logging.Logger
	forward middleware.HandlerFunc

	mu          sync.Mutex
	locals      []*peer
	initResult  json.RawMessage
	initialized bool
	closed      bool

	torndown chan struct{}
}

// peer is an attached local session with its own outbound notification
// queue, so a peer that stops reading only stalls its own deliveries.
type peer struct {
	session *session.Session
	notes   chan *protocol.Request
	ctx     context.Context
	stop    context.CancelFunc
}

// deliver relays queued notifications to the peer until stopped.
func (pr *peer) deliver(logger logging.Logger) {
	ctx := pr.ctx
	for {
		select {
		case n := <-pr.notes:
			if err := pr.session.Notify(ctx, n.Method, n.Params); err != nil {
				logger.Debug("notification not delivered to local peer",
					logging.F("method", n.Method),
					logging.F("session", pr.session.Name()),
					logging.Err(err),
				)
			}
		case <-ctx.Done():
			return
		case <-pr.session.Done():
			return
		}
	}
}

// New creates a proxy for remote, which must be open or about to be
// opened. The proxy becomes the remote session's handler.
func New(remote *session.Session, opts ...Option) *Proxy {
	o := options{
		logger:          logging.Nop(),
		teardownTimeout: DefaultTeardownTimeout,
		peerQueue:       DefaultPeerQueue,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Proxy{
		remote:   remote,
		client:   client.New(remote, o.clientOpts...),
		opts:     o,
		logger:   logging.With(o.logger, logging.F("component", "proxy")),
		torndown: make(chan struct{}),
	}
	p.forward = middleware.Chain(o.middleware...)(p.forwardUpstream)

	remote.SetHandler(session.HandlerFunc(p.handleRemote))
	go p.watchRemote()

	return p
}

// Remote returns the remote session.
func (p *Proxy) Remote() *session.Session {
	return p.remote
}

// Client returns the client bound to the remote session.
func (p *Proxy) Client() *client.Client {
	return p.client
}

// Initialize performs the capability handshake with the remote endpoint
// and caches its answer. Local peers asking to initialize afterwards are
// answered from the cache, so the remote sees a single handshake.
func (p *Proxy) Initialize(ctx context.Context) (*client.ServerInfo, error) {
	info, err := p.client.Initialize(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.initResult = p.client.InitializeResult()
	p.initialized = true
	p.mu.Unlock()

	p.logger.Info("remote initialized",
		logging.F("server", info.Name),
		logging.F("version", info.Version),
		logging.F("protocol", info.ProtocolVersion),
	)
	return info, nil
}

// InitializeResult returns the cached initialize result, or nil before the
// handshake.
func (p *Proxy) InitializeResult() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initResult
}

// HandleRequest serves one message from a local peer. It implements
// session.Handler.
func (p *Proxy) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return p.forward(ctx, req)
}

func (p *Proxy) forwardUpstream(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.IsNotification() {
		p.relayNotification(ctx, req)
		return nil, nil
	}

	if req.Method == protocol.MethodInitialize {
		if cached := p.InitializeResult(); cached != nil {
			p.logger.Debug("answering initialize from cache")
			return protocol.NewRawResponse(req.ID, cached), nil
		}
	}

	start := time.Now()
	result, err := p.remote.Call(ctx, req.Method, req.Params)
	middleware.AddSpanEvent(ctx, "upstream.answered",
		attribute.String("mcp.method", req.Method),
		attribute.Int64("mcp.upstream_ms", time.Since(start).Milliseconds()),
	)
	if err != nil {
		return nil, upstreamError(err)
	}

	if req.Method == protocol.MethodInitialize {
		p.mu.Lock()
		if p.initResult == nil {
			p.initResult = result
		}
		p.mu.Unlock()
	}

	return protocol.NewRawResponse(req.ID, result), nil
}

func (p *Proxy) relayNotification(ctx context.Context, n *protocol.Request) {
	if n.Method == protocol.MethodInitialized {
		p.mu.Lock()
		absorbed := p.initialized
		p.initialized = true
		p.mu.Unlock()
		if absorbed {
			p.logger.Debug("absorbing repeated initialized notification")
			return
		}
	}

	if err := p.remote.Notify(ctx, n.Method, n.Params); err != nil {
		p.logger.Warn("notification not relayed",
			logging.F("method", n.Method),
			logging.Err(err),
		)
	}
}

// upstreamError translates a failed remote call into the error a local
// peer receives. Remote errors are returned unchanged.
func upstreamError(err error) error {
	var rpcErr *protocol.Error
	var transportErr *transport.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, session.ErrClosed), errors.As(err, &transportErr):
		return protocol.NewUpstreamUnavailable(err.Error())
	case errors.Is(err, session.ErrTimeout):
		return protocol.NewRequestTimeout(err.Error())
	case errors.Is(err, session.ErrCancelled):
		return protocol.NewRequestCancelled(err.Error())
	default:
		return protocol.NewUpstreamUnavailable(err.Error())
	}
}

// handleRemote serves traffic originated by the remote endpoint.
func (p *Proxy) handleRemote(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.IsNotification() {
		for _, pr := range p.attached() {
			select {
			case pr.notes <- req:
			default:
				p.logger.Warn("local peer queue full, dropping notification",
					logging.F("method", req.Method),
					logging.F("session", pr.session.Name()),
				)
			}
		}
		return nil, nil
	}

	target := p.latest()
	if target == nil {
		return nil, protocol.NewMethodNotFound(fmt.Sprintf("%s: no local peer attached", req.Method))
	}

	result, err := target.Call(ctx, req.Method, req.Params)
	if err != nil {
		return nil, upstreamError(err)
	}
	return protocol.NewRawResponse(req.ID, result), nil
}

// ServeLocal runs a local session over b with the proxy as its handler. It
// returns when the local peer disconnects (nil), when ctx ends (ctx.Err())
// or when the remote session closes (ErrRemoteClosed).
func (p *Proxy) ServeLocal(ctx context.Context, b transport.Binding) error {
	name := "local"
	if mp, ok := b.(transport.MetaProvider); ok {
		if id := mp.Meta()[protocol.MetaPeerID]; id != "" {
			name = "local:" + id
		}
	}

	opts := append([]session.Option{
		session.WithName(name),
		session.WithLogger(p.opts.logger),
	}, p.opts.localOpts...)
	opts = append(opts, session.WithHandler(p))

	local := session.New(b, opts...)
	pr := p.attach(local)
	if pr == nil {
		_ = b.Close()
		return ErrRemoteClosed
	}
	defer p.detach(local)

	if err := local.Open(ctx); err != nil {
		return err
	}
	go pr.deliver(p.logger)

	p.logger.Info("local peer attached", logging.F("session", name))

	select {
	case <-local.Done():
	case <-ctx.Done():
		_ = local.Close()
		<-local.Done()
		return ctx.Err()
	}

	p.logger.Info("local peer detached", logging.F("session", name))
	if p.remoteGone() {
		return ErrRemoteClosed
	}
	return nil
}

// Serve attaches every peer accepted from a until ctx ends, the acceptor
// stops or the remote session closes. It waits for the attached peers to
// detach before returning.
func (p *Proxy) Serve(ctx context.Context, a transport.Acceptor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.torndown:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		b, err := a.Accept(ctx)
		if err != nil {
			switch {
			case p.remoteGone():
				return ErrRemoteClosed
			case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.ServeLocal(ctx, b)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrRemoteClosed) {
				p.logger.Warn("local peer failed", logging.Err(err))
			}
		}()
	}
}

// Done is closed once the remote session has ended and the local sessions
// were torn down.
func (p *Proxy) Done() <-chan struct{} {
	return p.torndown
}

// Close closes every attached local session and the remote session.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	locals := p.locals
	p.locals = nil
	p.mu.Unlock()

	for _, pr := range locals {
		pr.stop()
		_ = pr.session.Close()
	}
	return p.remote.Close()
}

// watchRemote tears the local side down once the remote session ends.
// Outstanding forwards have already resolved with upstream-unavailable by
// then; local sessions are given a moment to write those answers.
func (p *Proxy) watchRemote() {
	<-p.remote.Done()

	p.mu.Lock()
	p.closed = true
	locals := p.locals
	p.locals = nil
	p.mu.Unlock()

	if err := p.remote.Err(); err != nil {
		p.logger.Warn("remote session ended", logging.Err(err))
	} else {
		p.logger.Info("remote session ended")
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.teardownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, pr := range locals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pr.session.Shutdown(ctx)
			pr.stop()
		}()
	}
	wg.Wait()

	close(p.torndown)
}

func (p *Proxy) remoteGone() bool {
	return p.remote.State() >= session.StateClosing
}

// attach tracks l. Notifications queue up for it until its delivery
// loop is started.
func (p *Proxy) attach(l *session.Session) *peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.remoteGone() {
		return nil
	}
	ctx, stop := context.WithCancel(context.Background())
	pr := &peer{session: l, notes: make(chan *protocol.Request, p.opts.peerQueue), ctx: ctx, stop: stop}
	p.locals = append(p.locals, pr)
	return pr
}

func (p *Proxy) detach(l *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pr := range p.locals {
		if pr.session == l {
			pr.stop()
			p.locals = append(p.locals[:i], p.locals[i+1:]...)
			return
		}
	}
}

// Peers returns the number of attached local peers.
func (p *Proxy) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locals)
}

func (p *Proxy) attached() []*peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*peer(nil), p.locals...)
}

// latest returns the most recently attached local session that is still
// ready.
func (p *Proxy) latest() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.locals) - 1; i >= 0; i-- {
		if l := p.locals[i].session; l.State() == session.StateReady {
			return l
		}
	}
	return nil
}
