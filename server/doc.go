// Package server implements a small MCP tool server.
//
// A Server answers initialize, ping, tools/list and tools/call through a
// fixed method table and implements session.Handler, so it can be served
// over any transport binding or registered as a local endpoint:
//
//	srv := server.New(server.Info{Name: "slack", Version: "1.0.0"})
//
//	type PostInput struct {
//	    Channel string `json:"channel" jsonschema:"required"`
//	    Text    string `json:"text" jsonschema:"required"`
//	}
//
//	srv.Tool("post").
//	    Description("Send a message").
//	    Handler(func(ctx context.Context, in PostInput) (string, error) {
//	        return "sent to " + in.Channel, nil
//	    })
//
// The input schema is generated from the handler's input type. Handlers
// return a string, a *CallToolResult, or any value that is rendered as
// JSON text.
//
// Tool failures are results, not protocol errors: whatever goes wrong
// inside a tool call, including an unknown tool name, yields a
// CallToolResult with IsError set. Only malformed tools/call params and
// unknown methods are answered with JSON-RPC errors.
package server
