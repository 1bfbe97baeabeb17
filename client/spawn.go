package client

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/mcp-proxy/session"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// Spawn starts cmd as a child server, opens a session over its standard
// streams and returns a client for it. The handshake is left to the caller.
// Closing the client stops the child.
func Spawn(ctx context.Context, cmd transport.Command, sessionOpts []session.Option, opts ...Option) (*Client, error) {
	b, err := transport.StartProcess(ctx, cmd)
	if err != nil {
		return nil, err
	}

	s := session.New(b, sessionOpts...)
	if err := s.Open(ctx); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	return New(s, opts...), nil
}
