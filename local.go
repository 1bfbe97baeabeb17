package mcpproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/middleware"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/proxy"
	"github.com/felixgeelhaar/mcp-proxy/registry"
	"github.com/felixgeelhaar/mcp-proxy/session"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// peerServer returns how ep is served to local peers. Proxies attach
// peers themselves so that requests from upstream can reach them.
func (o options) peerServer(ep registry.Endpoint) peerServer {
	if p, ok := ep.(*proxy.Proxy); ok {
		return p
	}
	handler := middleware.Chain(o.middleware...)(ep.HandleRequest)
	return &endpointServer{
		handler: session.HandlerFunc(handler),
		logger:  logging.With(o.logger, logging.F("component", "local-server")),
	}
}

// endpointServer serves an in-process handler to any number of peers.
type endpointServer struct {
	handler session.Handler
	logger  logging.Logger
}

// ServeLocal runs one session over b until the peer disconnects (nil) or
// ctx ends (ctx.Err()).
func (e *endpointServer) ServeLocal(ctx context.Context, b transport.Binding) error {
	name := "local"
	if mp, ok := b.(transport.MetaProvider); ok {
		if id := mp.Meta()[protocol.MetaPeerID]; id != "" {
			name = "local:" + id
		}
	}

	s := session.New(b,
		session.WithName(name),
		session.WithLogger(e.logger),
		session.WithHandler(e.handler),
	)
	if err := s.Open(ctx); err != nil {
		return err
	}

	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		_ = s.Close()
		<-s.Done()
		return ctx.Err()
	}
}

// Serve runs a session for every peer accepted from a until ctx ends or
// the acceptor stops, then waits for the sessions to finish.
func (e *endpointServer) Serve(ctx context.Context, a transport.Acceptor) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		b, err := a.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.ServeLocal(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("local peer failed", logging.Err(err))
			}
		}()
	}
}
