// Package middleware wraps the proxy's forwarding handler.
//
// Every message a local peer sends passes through the chain before it is
// forwarded upstream, so middleware sees requests and notifications alike
// (notifications have no ID and their response is discarded).
//
//	chain := middleware.Chain(
//	    middleware.Recover(middleware.WithRecoverLogger(logger)),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	)
//	handler := chain(forward)
//
// Recover turns panics into InternalError, RequestID tags the context with
// a uuid, Timeout bounds the forward, Logging records each message,
// SizeLimit rejects oversized params, RateLimit applies a fortify token
// bucket to requests and OTel emits spans and metrics.
//
// DefaultStack returns the stack the command line binary installs.
package middleware
