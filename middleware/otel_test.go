package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

func newTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exporter
}

func spanAttr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTel(t *testing.T) {
	t.Run("span per forwarded request", func(t *testing.T) {
		tp, exporter := newTracer(t)
		h := OTel(WithTracerProvider(tp))(func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
			return protocol.NewResponse(req.ID, "ok"), nil
		})

		ctx := protocol.SetRequestMeta(context.Background(), protocol.MetaTransport, "sse")
		ctx = protocol.SetRequestMeta(ctx, protocol.MetaPeerID, "p-1")
		if _, err := h(ctx, &protocol.Request{ID: json.RawMessage("1"), Method: "tools/list"}); err != nil {
			t.Fatal(err)
		}

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		s := spans[0]
		if s.Name != "mcp.tools/list" {
			t.Errorf("span name = %q", s.Name)
		}
		if v, _ := spanAttr(s.Attributes, "mcp.transport"); v.AsString() != "sse" {
			t.Errorf("mcp.transport = %q", v.AsString())
		}
		if v, _ := spanAttr(s.Attributes, "mcp.peer_id"); v.AsString() != "p-1" {
			t.Errorf("mcp.peer_id = %q", v.AsString())
		}
		if v, _ := spanAttr(s.Attributes, "service.name"); v.AsString() != "mcp-proxy" {
			t.Errorf("service.name = %q", v.AsString())
		}
	})

	t.Run("records forwarding error code", func(t *testing.T) {
		tp, exporter := newTracer(t)
		h := OTel(WithTracerProvider(tp))(func(context.Context, *protocol.Request) (*protocol.Response, error) {
			return nil, protocol.NewRequestTimeout("no answer")
		})
		_, _ = h(context.Background(), &protocol.Request{ID: json.RawMessage("1"), Method: "tools/call"})

		s := exporter.GetSpans()[0]
		v, ok := spanAttr(s.Attributes, "mcp.error_code")
		if !ok || v.AsInt64() != int64(protocol.CodeRequestTimeout) {
			t.Errorf("mcp.error_code = %v", v.AsInt64())
		}
		if len(s.Events) == 0 {
			t.Error("expected error event")
		}
	})

	t.Run("tool calls name the tool", func(t *testing.T) {
		tp, exporter := newTracer(t)
		h := OTel(WithTracerProvider(tp))(func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
			return protocol.NewResponse(req.ID, nil), nil
		})
		req := &protocol.Request{ID: json.RawMessage("1"), Method: protocol.MethodToolsCall, Params: json.RawMessage(`{"name":"SLACK_POST_MESSAGE"}`)}
		_, _ = h(context.Background(), req)

		if v, _ := spanAttr(exporter.GetSpans()[0].Attributes, "mcp.tool"); v.AsString() != "SLACK_POST_MESSAGE" {
			t.Errorf("mcp.tool = %q", v.AsString())
		}
	})

	t.Run("error response sets status", func(t *testing.T) {
		tp, exporter := newTracer(t)
		h := OTel(WithTracerProvider(tp))(func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
			return protocol.NewErrorResponse(req.ID, protocol.NewMethodNotFound("x")), nil
		})
		_, _ = h(context.Background(), &protocol.Request{ID: json.RawMessage("1"), Method: "x"})

		v, ok := spanAttr(exporter.GetSpans()[0].Attributes, "mcp.error_code")
		if !ok || v.AsInt64() != int64(protocol.CodeMethodNotFound) {
			t.Errorf("mcp.error_code = %v", v.AsInt64())
		}
	})

	t.Run("skips configured methods", func(t *testing.T) {
		tp, exporter := newTracer(t)
		h := OTel(WithTracerProvider(tp), WithOTelSkipMethods(protocol.MethodPing))(
			func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
				return protocol.NewResponse(req.ID, struct{}{}), nil
			})
		_, _ = h(context.Background(), &protocol.Request{ID: json.RawMessage("1"), Method: protocol.MethodPing})

		if n := len(exporter.GetSpans()); n != 0 {
			t.Errorf("expected no spans, got %d", n)
		}
	})

	t.Run("counts messages and errors", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer mp.Shutdown(context.Background())

		h := OTel(WithMeterProvider(mp), WithOTelServiceName("edge"))(
			func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
				if req.Method == "fail" {
					return nil, errors.New("boom")
				}
				return protocol.NewResponse(req.ID, "ok"), nil
			})
		_, _ = h(context.Background(), &protocol.Request{ID: json.RawMessage("1"), Method: "tools/list"})
		_, _ = h(context.Background(), &protocol.Request{ID: json.RawMessage("2"), Method: "fail"})
		_, _ = h(context.Background(), &protocol.Request{Method: protocol.MethodProgress})

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatal(err)
		}

		totals := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						totals[m.Name] += dp.Value
					}
				}
			}
		}
		if totals["mcp.proxy.messages"] != 3 {
			t.Errorf("messages = %d, want 3", totals["mcp.proxy.messages"])
		}
		if totals["mcp.proxy.errors"] != 1 {
			t.Errorf("errors = %d, want 1", totals["mcp.proxy.errors"])
		}
	})

	t.Run("global providers by default", func(t *testing.T) {
		if OTel() == nil {
			t.Fatal("nil middleware")
		}
	})
}

func TestAddSpanEvent(t *testing.T) {
	tp, exporter := newTracer(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "forward")
	AddSpanEvent(ctx, "upstream.sent", attribute.String("method", "tools/call"))
	span.End()

	events := exporter.GetSpans()[0].Events
	if len(events) != 1 || events[0].Name != "upstream.sent" {
		t.Errorf("events = %v", events)
	}

	// No span in context: must not panic.
	AddSpanEvent(context.Background(), "ignored")
}
