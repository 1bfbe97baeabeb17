package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

const (
	instrumentationName    = "github.com/felixgeelhaar/mcp-proxy/middleware"
	instrumentationVersion = "0.4.0"
)

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*otelConfig)

type otelConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	skipMethods    map[string]bool
}

// WithTracerProvider sets a custom tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *otelConfig) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom meter provider.
func WithMeterProvider(mp metric.MeterProvider) OTelOption {
	return func(c *otelConfig) {
		c.meterProvider = mp
	}
}

// WithOTelServiceName sets the service name for telemetry.
func WithOTelServiceName(name string) OTelOption {
	return func(c *otelConfig) {
		c.serviceName = name
	}
}

// WithOTelSkipMethods specifies methods to skip for tracing.
func WithOTelSkipMethods(methods ...string) OTelOption {
	return func(c *otelConfig) {
		for _, m := range methods {
			c.skipMethods[m] = true
		}
	}
}

// OTel returns middleware that adds OpenTelemetry tracing and metrics to
// forwarded messages. It creates a span per message and records message
// counts, forwarding latency and error codes.
func OTel(opts ...OTelOption) Middleware {
	cfg := &otelConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		serviceName:    "mcp-proxy",
		skipMethods:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tracer := cfg.tracerProvider.Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion(instrumentationVersion),
	)

	meter := cfg.meterProvider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion(instrumentationVersion),
	)

	messages, _ := meter.Int64Counter(
		"mcp.proxy.messages",
		metric.WithDescription("Messages forwarded by the proxy"),
		metric.WithUnit("{message}"),
	)

	latency, _ := meter.Float64Histogram(
		"mcp.proxy.forward.duration",
		metric.WithDescription("Time from receiving a request to answering it"),
		metric.WithUnit("ms"),
	)

	failures, _ := meter.Int64Counter(
		"mcp.proxy.errors",
		metric.WithDescription("Forwarded requests answered with an error"),
		metric.WithUnit("{error}"),
	)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if cfg.skipMethods[req.Method] {
				return next(ctx, req)
			}

			attrs := messageAttributes(ctx, req, cfg.serviceName)
			ctx, span := tracer.Start(ctx, "mcp."+req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			if reqID := RequestIDFromContext(ctx); reqID != "" {
				span.SetAttributes(attribute.String("mcp.request_id", reqID))
			}
			if peer := protocol.GetRequestMeta(ctx, protocol.MetaPeerID); peer != "" {
				span.SetAttributes(attribute.String("mcp.peer_id", peer))
			}

			start := time.Now()
			messages.Add(ctx, 1, metric.WithAttributes(attrs...))

			resp, err := next(ctx, req)

			elapsed := float64(time.Since(start).Milliseconds())
			latency.Record(ctx, elapsed, metric.WithAttributes(attrs...))

			code, failed := answerCode(resp, err)
			switch {
			case !failed:
				span.SetStatus(codes.Ok, "")
				return resp, err
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			default:
				span.SetStatus(codes.Error, resp.Error.Message)
			}

			if code != 0 {
				span.SetAttributes(attribute.Int("mcp.error_code", code))
				attrs = append(attrs, attribute.Int("mcp.error_code", code))
			}
			failures.Add(ctx, 1, metric.WithAttributes(attrs...))
			return resp, err
		}
	}
}

// messageAttributes describes req for spans and metrics. Tool calls also
// carry the tool name so that slow or failing tools stand out.
func messageAttributes(ctx context.Context, req *protocol.Request, service string) []attribute.KeyValue {
	kind := protocol.KindRequest
	if req.IsNotification() {
		kind = protocol.KindNotification
	}
	attrs := []attribute.KeyValue{
		attribute.String("mcp.method", req.Method),
		attribute.String("mcp.kind", kind.String()),
		attribute.String("service.name", service),
	}
	if tr := protocol.GetRequestMeta(ctx, protocol.MetaTransport); tr != "" {
		attrs = append(attrs, attribute.String("mcp.transport", tr))
	}
	if req.Method == protocol.MethodToolsCall {
		var call struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(req.Params, &call) == nil && call.Name != "" {
			attrs = append(attrs, attribute.String("mcp.tool", call.Name))
		}
	}
	return attrs
}

// answerCode reports whether a message was answered with an error, and
// the JSON-RPC code when there is one.
func answerCode(resp *protocol.Response, err error) (int, bool) {
	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			return rpcErr.Code, true
		}
		return 0, true
	}
	if resp != nil && resp.Error != nil {
		return resp.Error.Code, true
	}
	return 0, false
}

// AddSpanEvent adds an event to the span carried by ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
