package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// Info contains server metadata exposed to clients in the initialize result.
type Info struct {
	Name         string
	Version      string
	Instructions string
}

// ToolInfo represents metadata about a registered tool.
type ToolInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema any              `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used to report tool failures.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

type methodFunc func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Server is a tool server. It implements session.Handler and can be
// served over any binding or registered as a local endpoint.
type Server struct {
	info    Info
	logger  logging.Logger
	methods map[string]methodFunc

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// New creates a new tool server with the given info and options.
func New(info Info, opts ...Option) *Server {
	s := &Server{
		info:   info,
		logger: logging.Nop(),
		tools:  make(map[string]*Tool),
	}
	s.methods = map[string]methodFunc{
		protocol.MethodInitialize:  s.handleInitialize,
		protocol.MethodInitialized: s.handleInitialized,
		protocol.MethodPing:        s.handlePing,
		protocol.MethodToolsList:   s.handleToolsList,
		protocol.MethodToolsCall:   s.handleToolsCall,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Info returns the server info.
func (s *Server) Info() Info {
	return s.info
}

// Tool starts building a new tool with the given name. The tool is
// registered once its handler is set.
func (s *Server) Tool(name string) *ToolBuilder {
	return &ToolBuilder{
		tool:   &Tool{name: name},
		server: s,
	}
}

// Tools returns info about all registered tools in registration order.
func (s *Server) Tools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		result = append(result, ToolInfo{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema,
			Annotations: t.annotations,
		})
	}
	return result
}

// GetTool retrieves a tool by name.
func (s *Server) GetTool(name string) (*Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// registerTool adds a tool to the server. Registering a name again
// replaces the tool but keeps its position.
func (s *Server) registerTool(t *Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[t.name]; !exists {
		s.order = append(s.order, t.name)
	}
	s.tools[t.name] = t
}

// HandleRequest dispatches req through the method table. Notifications
// other than notifications/initialized are ignored.
func (s *Server) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	handle, ok := s.methods[req.Method]
	if !ok {
		if req.IsNotification() {
			return nil, nil
		}
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	return handle(ctx, req)
}

// Close releases nothing; the server holds no resources.
func (s *Server) Close() error {
	return nil
}

func (s *Server) handleInitialize(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	result := map[string]any{
		"protocolVersion": protocol.MCPVersion,
		"serverInfo": map[string]any{
			"name":    s.info.Name,
			"version": s.info.Version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}
	if s.info.Instructions != "" {
		result["instructions"] = s.info.Instructions
	}

	return protocol.NewResponse(req.ID, result), nil
}

func (s *Server) handleInitialized(context.Context, *protocol.Request) (*protocol.Response, error) {
	return nil, nil
}

func (s *Server) handlePing(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	return protocol.NewResponse(req.ID, map[string]any{}), nil
}

func (s *Server) handleToolsList(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	return protocol.NewResponse(req.ID, map[string]any{
		"tools": s.Tools(),
	}), nil
}

func (s *Server) handleToolsCall(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}

	tool, ok := s.GetTool(params.Name)
	if !ok {
		return protocol.NewResponse(req.ID, ErrorResult("Tool "+params.Name+" not found")), nil
	}

	result := tool.Call(ctx, params.Arguments)
	if result.IsError {
		s.logger.Debug("tool call failed",
			logging.F("tool", params.Name),
			logging.F("error", result.Text()),
		)
	}
	return protocol.NewResponse(req.ID, result), nil
}
