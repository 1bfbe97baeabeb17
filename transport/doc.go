// Package transport provides the bindings that carry whole JSON-RPC
// messages between two endpoints.
//
// # Pipe bindings
//
// Stdio frames one JSON document per line over any reader/writer pair.
// Without options it speaks over the process's own stdin and stdout:
//
//	b := transport.NewStdio()
//
// StartProcess spawns a child server and returns a Stdio bound to its
// standard streams. Closing the binding stops the child:
//
//	b, err := transport.StartProcess(ctx, transport.Command{
//	    Path: "uvx",
//	    Args: []string{"mcp-server-fetch"},
//	    Env:  map[string]string{"API_KEY": key},
//	})
//
// # Stream bindings
//
// SSE serves server-sent event streams. Each GET /sse is one peer; its
// first event names the endpoint the peer POSTs its messages to:
//
//	srv := transport.NewSSE("127.0.0.1:8080", transport.WithAllowOrigins("*"))
//	go srv.Serve(ctx)
//	peer, err := srv.Accept(ctx)
//
// SSEClient is the connecting side and implements Connector:
//
//	c := transport.NewSSEClient("http://host:8080/sse",
//	    transport.WithHeaders(map[string]string{"Authorization": "Bearer " + token}))
//	err := c.Connect(ctx)
//
// WebSocket and DialWebSocket carry one message per text frame.
//
// Every binding delivers its inbound messages through Recv until io.EOF or
// a transport error; a malformed frame ends the sequence with a
// *FramingError.
package transport
