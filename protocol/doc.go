// Package protocol defines the JSON-RPC 2.0 wire model shared by every
// transport and session in mcp-proxy.
//
// # Messages
//
// Every frame on the wire decodes into a Message, a union of the three
// JSON-RPC message kinds:
//
//	Request       {"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}
//	Response      {"jsonrpc":"2.0","id":1,"result":{...}}
//	              {"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"..."}}
//	Notification  {"jsonrpc":"2.0","method":"notifications/progress","params":{}}
//
// Params and results are kept as json.RawMessage so that a proxy can relay
// them byte-for-byte without knowing their shape.
//
// # Error Codes
//
// Standard JSON-RPC 2.0 error codes are defined as constants:
//
//	CodeParseError     = -32700  // Invalid JSON
//	CodeInvalidRequest = -32600  // Invalid Request object
//	CodeMethodNotFound = -32601  // Method not found
//	CodeInvalidParams  = -32602  // Invalid method parameters
//	CodeInternalError  = -32603  // Internal server error
//
// Codes produced by the proxy itself when the upstream side cannot answer:
//
//	CodeUpstreamUnavailable = -32004
//	CodeRequestTimeout      = -32005
//	CodeRequestCancelled    = -32800
package protocol
