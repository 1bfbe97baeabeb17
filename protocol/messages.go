package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// Kind classifies a wire message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is the union of every JSON-RPC message that can appear on a
// transport. Exactly one of the request/notification shape or the response
// shape is populated on a valid message.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind reports which message kind m carries.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && len(m.ID) > 0:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Validate checks the structural invariants of the message.
func (m *Message) Validate() error {
	switch m.Kind() {
	case KindRequest, KindNotification:
		if len(m.Result) > 0 || m.Error != nil {
			return errors.New("request carries result or error")
		}
		return nil
	case KindResponse:
		if len(m.Result) > 0 && m.Error != nil {
			return errors.New("response carries both result and error")
		}
		return nil
	default:
		return errors.New("message is neither request, notification nor response")
	}
}

// Request returns the request (or notification) view of m.
func (m *Message) Request() *Request {
	return &Request{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
	}
}

// Response returns the response view of m.
func (m *Message) Response() *Response {
	return &Response{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Result:  m.Result,
		Error:   m.Error,
	}
}

// DecodeMessage parses and validates a single wire message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Request represents a JSON-RPC 2.0 request. A request without an ID is a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification returns true if this request has no ID (is a notification).
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Message converts the request to its wire form.
func (r *Request) Message() *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      r.ID,
		Method:  r.Method,
		Params:  r.Params,
	}
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Message converts the response to its wire form. A successful response
// without a result is sent with an explicit null result.
func (r *Response) Message() *Message {
	msg := &Message{
		JSONRPC: JSONRPCVersion,
		ID:      r.ID,
		Result:  r.Result,
		Error:   r.Error,
	}
	if msg.Error == nil && len(msg.Result) == 0 {
		msg.Result = json.RawMessage("null")
	}
	return msg
}

// NewRequest builds a request with the given numeric ID.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse creates a successful response, marshaling result.
func NewResponse(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, NewInternalError(fmt.Sprintf("marshal result: %v", err)))
	}
	return NewRawResponse(id, raw)
}

// NewRawResponse creates a successful response carrying result verbatim.
func NewRawResponse(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
}

// MarshalParams encodes params for the wire. Raw JSON is passed through
// untouched and nil yields no params at all.
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return raw, nil
	}
}

// IDKey returns a canonical map key for a correlation ID so that `1` and
// ` 1 ` refer to the same request.
func IDKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}
