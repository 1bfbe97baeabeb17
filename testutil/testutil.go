// Package testutil provides in-memory wiring for testing sessions, tool
// servers and proxies without processes or sockets.
//
// Example usage:
//
//	func TestMyServer(t *testing.T) {
//	    srv := server.New(server.Info{Name: "test", Version: "1.0.0"})
//	    srv.Tool("greet").Handler(func(ctx context.Context, input GreetInput) (string, error) {
//	        return "Hello, " + input.Name, nil
//	    })
//
//	    tc := testutil.NewTestClient(t, srv)
//	    result, err := tc.CallTool("greet", map[string]any{"name": "World"})
//	    require.NoError(t, err)
//	    assert.Equal(t, "Hello, World", result)
//	}
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/client"
	"github.com/felixgeelhaar/mcp-proxy/session"
)

// DefaultTimeout bounds every TestClient request.
const DefaultTimeout = 5 * time.Second

// TestClient drives a session.Handler through a real pair of sessions over
// an in-memory pipe.
type TestClient struct {
	t      testing.TB
	client *client.Client

	// Local is the client-side session; Peer serves the handler.
	Local *session.Session
	Peer  *session.Session
}

// NewTestClient connects to h and performs the initialize handshake.
func NewTestClient(t testing.TB, h session.Handler, opts ...session.Option) *TestClient {
	t.Helper()

	tc := Connect(t, h, opts...)
	if _, err := tc.Initialize(); err != nil {
		t.Fatalf("failed to initialize server: %v", err)
	}
	return tc
}

// Connect connects to h without the handshake. Both sessions are closed
// when the test ends.
func Connect(t testing.TB, h session.Handler, opts ...session.Option) *TestClient {
	t.Helper()

	a, b := Pipe()
	peer := session.New(b, session.WithName("peer"), session.WithHandler(h))
	local := session.New(a, append([]session.Option{session.WithName("local")}, opts...)...)

	ctx := context.Background()
	if err := peer.Open(ctx); err != nil {
		t.Fatalf("open peer session: %v", err)
	}
	if err := local.Open(ctx); err != nil {
		t.Fatalf("open local session: %v", err)
	}

	tc := &TestClient{
		t:      t,
		client: client.New(local, client.WithTimeout(DefaultTimeout), client.WithClientInfo("test-client", "1.0.0")),
		Local:  local,
		Peer:   peer,
	}
	t.Cleanup(tc.Close)
	return tc
}

// Client returns the typed client.
func (tc *TestClient) Client() *client.Client {
	return tc.client
}

// Close closes both sessions.
func (tc *TestClient) Close() {
	_ = tc.Local.Close()
	_ = tc.Peer.Close()
}

func (tc *TestClient) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DefaultTimeout)
}

// SendRequest sends a raw request and returns the raw result.
func (tc *TestClient) SendRequest(method string, params any) (json.RawMessage, error) {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()
	return tc.Local.Call(ctx, method, params)
}

// Initialize runs the handshake and returns the decoded initialize result.
func (tc *TestClient) Initialize() (map[string]any, error) {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()

	if _, err := tc.client.Initialize(ctx); err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(tc.client.InitializeResult(), &result); err != nil {
		return nil, fmt.Errorf("unexpected result: %w", err)
	}
	return result, nil
}

// ListTools lists all available tools.
func (tc *TestClient) ListTools() ([]client.Tool, error) {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()
	return tc.client.ListTools(ctx)
}

// CallTool calls a tool and returns the text of its result. A result
// flagged isError is returned as an error.
func (tc *TestClient) CallTool(name string, args any) (string, error) {
	tc.t.Helper()

	result, err := tc.CallToolRaw(name, args)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", fmt.Errorf("tool error: %s", result.Text())
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("empty content array")
	}
	return result.Text(), nil
}

// CallToolRaw calls a tool and returns the whole result.
func (tc *TestClient) CallToolRaw(name string, args any) (*client.ToolResult, error) {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()
	return tc.client.CallTool(ctx, name, args)
}

// Ping sends a ping request.
func (tc *TestClient) Ping() error {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()
	return tc.client.Ping(ctx)
}
