// Package client provides a typed MCP client over a session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/session"
)

// Client issues MCP requests through a session.
type Client struct {
	session *session.Session
	opts    clientOptions

	mu         sync.RWMutex
	serverInfo *ServerInfo
	initResult json.RawMessage
}

// ServerInfo contains information about the connected server.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Instructions    string
	Capabilities    Capabilities
}

// Capabilities describes what features the server supports.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
	Logging   bool
}

// Tool represents a tool exposed by the server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolResult is the result of calling a tool.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Text concatenates the text items of the result.
func (r *ToolResult) Text() string {
	var text string
	for _, item := range r.Content {
		if item.Type == "text" {
			text += item.Text
		}
	}
	return text
}

// ContentItem represents a content item in a tool result.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	timeout     time.Duration
	clientName  string
	clientVer   string
	protocolVer string
}

// WithTimeout sets a per-request timeout on top of the session's own.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithClientInfo sets the client name and version for initialization.
func WithClientInfo(name, version string) Option {
	return func(o *clientOptions) {
		o.clientName = name
		o.clientVer = version
	}
}

// WithProtocolVersion sets the protocol version to use.
func WithProtocolVersion(version string) Option {
	return func(o *clientOptions) {
		o.protocolVer = version
	}
}

// New creates a client over an open session.
func New(s *session.Session, opts ...Option) *Client {
	options := clientOptions{
		clientName:  "mcp-proxy",
		clientVer:   "1.0.0",
		protocolVer: protocol.MCPVersion,
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		session: s,
		opts:    options,
	}
}

// Session returns the underlying session.
func (c *Client) Session() *session.Session {
	return c.session
}

// initializeResult mirrors the wire shape of an initialize result.
type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Instructions string `json:"instructions,omitempty"`
}

// Initialize performs the MCP handshake: it sends initialize, records the
// server's answer and then sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	params := map[string]any{
		"protocolVersion": c.opts.protocolVer,
		"clientInfo": map[string]any{
			"name":    c.opts.clientName,
			"version": c.opts.clientVer,
		},
		"capabilities": map[string]any{},
	}

	raw, err := c.call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("initialize: invalid result: %w", err)
	}

	info := &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Instructions:    result.Instructions,
	}
	_, info.Capabilities.Tools = result.Capabilities["tools"]
	_, info.Capabilities.Resources = result.Capabilities["resources"]
	_, info.Capabilities.Prompts = result.Capabilities["prompts"]
	_, info.Capabilities.Logging = result.Capabilities["logging"]

	c.mu.Lock()
	c.serverInfo = info
	c.initResult = raw
	c.mu.Unlock()

	if err := c.session.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	return info, nil
}

// ListTools returns the list of tools available on the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, protocol.MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("list tools: invalid result: %w", err)
	}

	return result.Tools, nil
}

// CallTool calls a tool on the server with the given arguments. A tool
// failure is reported through ToolResult.IsError, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*ToolResult, error) {
	params := map[string]any{
		"name": name,
	}
	if arguments != nil {
		params["arguments"] = arguments
	}

	raw, err := c.call(ctx, protocol.MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("call tool %q: %w", name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("call tool %q: invalid result: %w", name, err)
	}

	return &result, nil
}

// Ping sends a ping to the server.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, protocol.MethodPing, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ServerInfo returns the server info recorded by Initialize.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// InitializeResult returns the raw initialize result recorded by
// Initialize, or nil before the handshake.
func (c *Client) InitializeResult() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initResult
}

// Close closes the session.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	return c.session.Call(ctx, method, params)
}
