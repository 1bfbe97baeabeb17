package protocol

import (
	"context"
	"maps"
)

// Well-known request metadata keys set by the network transports.
const (
	MetaPeerID    = "peer-id"
	MetaTransport = "transport"
	MetaOrigin    = "origin"
	MetaAuth      = "authorization"
)

// requestMetaKey is the context key for request metadata.
type requestMetaKey struct{}

// RequestMeta holds transport-level information about the peer a request
// arrived from, such as its session id or selected HTTP headers.
type RequestMeta map[string]string

// ContextWithRequestMeta returns a new context with the request metadata attached.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext returns the request metadata from the context, or nil.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// GetRequestMeta returns a single metadata value, or "" when absent.
func GetRequestMeta(ctx context.Context, key string) string {
	return RequestMetaFromContext(ctx)[key]
}

// SetRequestMeta returns a context whose metadata has key set to value.
// The metadata already attached to ctx is copied, never mutated.
func SetRequestMeta(ctx context.Context, key, value string) context.Context {
	meta := make(RequestMeta)
	maps.Copy(meta, RequestMetaFromContext(ctx))
	meta[key] = value
	return ContextWithRequestMeta(ctx, meta)
}
