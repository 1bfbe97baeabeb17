package protocol

import "encoding/json"

// MCPVersion is the protocol version offered during the handshake.
const MCPVersion = "2024-11-05"

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
)

// MCP notification methods.
const (
	MethodProgress  = "notifications/progress"
	MethodCancelled = "notifications/cancelled"
)

// CancelledParams is the payload of a notifications/cancelled message.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}
