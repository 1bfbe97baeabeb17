package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/schema"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Tool represents a callable function exposed via MCP.
type Tool struct {
	name          string
	description   string
	inputType     reflect.Type
	inputSchema   *schema.Schema
	validateInput bool
	handler       reflect.Value
	hasContext    bool
	annotations   *ToolAnnotations
}

// Name returns the tool name.
func (t *Tool) Name() string {
	return t.name
}

// InputSchema returns the JSON schema generated from the handler's input type.
func (t *Tool) InputSchema() *schema.Schema {
	return t.inputSchema
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result of tools/call. Failures of the tool itself
// are reported here with IsError set, never as protocol errors.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates the text of all content items.
func (r *CallToolResult) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// TextResult returns a successful result with a single text item.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult returns a failed result with a single text item.
func ErrorResult(text string) *CallToolResult {
	r := TextResult(text)
	r.IsError = true
	return r
}

// ToolBuilder provides a fluent API for building tools.
type ToolBuilder struct {
	tool   *Tool
	server *Server
	err    error
}

// Err returns the error recorded while building, if any. A tool whose
// handler was rejected is not registered.
func (b *ToolBuilder) Err() error {
	return b.err
}

// Description sets the tool description.
func (b *ToolBuilder) Description(desc string) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.description = desc
	return b
}

// ValidateInput enables full schema validation of tool arguments. Missing
// required arguments are always reported; with validation enabled, type,
// enum and range violations are reported too.
func (b *ToolBuilder) ValidateInput() *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.validateInput = true
	return b
}

// Handler sets the tool handler function and registers the tool.
// Handler signature must be one of:
//   - func(input T) (R, error)
//   - func(ctx context.Context, input T) (R, error)
func (b *ToolBuilder) Handler(fn any) *ToolBuilder {
	if b.err != nil {
		return b
	}

	if err := b.bind(fn); err != nil {
		b.err = fmt.Errorf("tool %q: %w", b.tool.name, err)
		return b
	}

	b.server.registerTool(b.tool)
	return b
}

// bind checks the handler signature and derives the input schema.
func (b *ToolBuilder) bind(fn any) error {
	if fn == nil {
		return errors.New("handler must be a function, got nil")
	}
	fnType := reflect.TypeOf(fn)
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("handler must be a function, got %s", fnType.Kind())
	}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return fmt.Errorf("handler must have 1 or 2 parameters, got %d", numIn)
	}
	if numIn == 2 && !fnType.In(0).Implements(contextType) {
		return errors.New("first parameter must be context.Context when using 2 parameters")
	}

	if fnType.NumOut() != 2 {
		return fmt.Errorf("handler must return (result, error), got %d return values", fnType.NumOut())
	}
	if !fnType.Out(1).Implements(errorType) {
		return errors.New("second return value must be error")
	}

	inputType := fnType.In(numIn - 1)
	if inputType.Kind() == reflect.Ptr {
		return errors.New("input parameter must be passed by value")
	}

	inputSchema, err := schema.GenerateFromType(inputType)
	if err != nil {
		return fmt.Errorf("generate input schema: %w", err)
	}

	b.tool.hasContext = numIn == 2
	b.tool.inputType = inputType
	b.tool.inputSchema = inputSchema
	b.tool.handler = reflect.ValueOf(fn)
	return nil
}

// Execute runs the tool handler with the given JSON arguments and returns
// its result value. Invalid arguments are reported as InvalidParams.
func (t *Tool) Execute(ctx context.Context, arguments json.RawMessage) (any, error) {
	if err := t.check(arguments); err != nil {
		return nil, err
	}

	input := reflect.New(t.inputType)
	if len(arguments) > 0 && string(arguments) != "null" {
		if err := json.Unmarshal(arguments, input.Interface()); err != nil {
			return nil, protocol.NewInvalidParams(fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	args := make([]reflect.Value, 0, 2)
	if t.hasContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, input.Elem())

	out := t.handler.Call(args)
	if errVal := out[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}
	return out[0].Interface(), nil
}

// check validates arguments against the input schema.
func (t *Tool) check(arguments json.RawMessage) error {
	if t.inputSchema == nil || t.inputSchema.Type != "object" {
		return nil
	}
	if string(arguments) == "null" {
		arguments = nil
	}

	err := t.inputSchema.Validate(arguments)
	if err == nil {
		return nil
	}

	var errs schema.ValidationErrors
	if errors.As(err, &errs) {
		if missing := errs.Missing(); len(missing) > 0 {
			return protocol.NewInvalidParams("Missing required parameter: " + missing[0])
		}
	}
	if t.validateInput {
		return protocol.NewInvalidParams(fmt.Sprintf("input validation failed: %v", err))
	}
	return nil
}

// Call executes the tool and renders the outcome as a CallToolResult.
// Every failure, including invalid arguments, yields IsError.
func (t *Tool) Call(ctx context.Context, arguments json.RawMessage) (result *CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", t.name, r))
		}
	}()

	value, err := t.Execute(ctx, arguments)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return ErrorResult(perr.Message)
		}
		return ErrorResult(err.Error())
	}
	return render(value)
}

// render converts a handler's return value into a result. Strings become
// text, results pass through and anything else is encoded as JSON text.
func render(value any) *CallToolResult {
	switch v := value.(type) {
	case *CallToolResult:
		if v == nil {
			return TextResult("")
		}
		return v
	case CallToolResult:
		return &v
	case string:
		return TextResult(v)
	case fmt.Stringer:
		return TextResult(v.String())
	case nil:
		return TextResult("")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode result: %v", err))
	}
	return TextResult(string(data))
}
