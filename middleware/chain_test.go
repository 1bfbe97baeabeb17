package middleware

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

func tag(name string, trace *[]string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			*trace = append(*trace, name+">")
			resp, err := next(ctx, req)
			*trace = append(*trace, "<"+name)
			return resp, err
		}
	}
}

func TestChain(t *testing.T) {
	t.Run("runs middleware outermost first", func(t *testing.T) {
		var trace []string
		final := func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
			trace = append(trace, "forward")
			return protocol.NewResponse(req.ID, nil), nil
		}

		h := Chain(tag("a", &trace), tag("b", &trace))(final)
		if _, err := h(context.Background(), &protocol.Request{ID: json.RawMessage("1"), Method: "ping"}); err != nil {
			t.Fatal(err)
		}

		want := []string{"a>", "b>", "forward", "<b", "<a"}
		if !reflect.DeepEqual(trace, want) {
			t.Errorf("trace = %v, want %v", trace, want)
		}
	})

	t.Run("empty chain is the identity", func(t *testing.T) {
		called := false
		h := Chain()(func(context.Context, *protocol.Request) (*protocol.Response, error) {
			called = true
			return nil, nil
		})
		_, _ = h(context.Background(), &protocol.Request{Method: "ping"})
		if !called {
			t.Error("handler not called")
		}
	})

	t.Run("nil middleware is skipped", func(t *testing.T) {
		var trace []string
		h := Chain(nil, tag("a", &trace), nil)(func(context.Context, *protocol.Request) (*protocol.Response, error) {
			return nil, nil
		})
		_, _ = h(context.Background(), &protocol.Request{Method: "ping"})
		if !reflect.DeepEqual(trace, []string{"a>", "<a"}) {
			t.Errorf("trace = %v", trace)
		}
	})

	t.Run("middleware can answer without forwarding", func(t *testing.T) {
		deny := func(HandlerFunc) HandlerFunc {
			return func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
				return nil, protocol.NewMethodNotFound(req.Method)
			}
		}
		h := Chain(deny)(func(context.Context, *protocol.Request) (*protocol.Response, error) {
			t.Error("final handler reached")
			return nil, nil
		})
		if _, err := h(context.Background(), &protocol.Request{Method: "resources/list"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestDefaultStack(t *testing.T) {
	if got := len(DefaultStack(logging.Nop())); got != 3 {
		t.Errorf("DefaultStack len = %d, want 3", got)
	}

	if got := len(DefaultStack(logging.Nop(), 0)); got != 3 {
		t.Errorf("DefaultStack with zero timeout len = %d, want 3", got)
	}

	stack := DefaultStack(logging.Nop(), 20*time.Millisecond)
	h := Chain(stack...)(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		if RequestIDFromContext(ctx) == "" {
			t.Error("missing request id")
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("missing deadline")
		}
		panic("boom")
	})

	_, err := h(context.Background(), &protocol.Request{ID: json.RawMessage("7"), Method: "tools/call"})
	rpcErr, ok := err.(*protocol.Error)
	if !ok || rpcErr.Code != protocol.CodeInternalError {
		t.Errorf("expected internal error from recovered panic, got %v", err)
	}
}
