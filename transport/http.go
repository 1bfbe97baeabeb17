package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
)

// ServerOption configures the network transports (SSE and WebSocket).
type ServerOption func(*serverConfig)

type serverConfig struct {
	readTimeout  time.Duration
	shutdown     ShutdownConfig
	allowOrigins []string
	keepAlive    time.Duration
	maxBodySize  int64
	logger       logging.Logger
}

func newServerConfig(opts []ServerOption) serverConfig {
	cfg := serverConfig{
		readTimeout: 30 * time.Second,
		shutdown:    ShutdownConfig{Timeout: DefaultShutdownTimeout},
		keepAlive:   15 * time.Second,
		maxBodySize: DefaultMaxLineSize,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithReadTimeout bounds reading request headers.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.readTimeout = d
	}
}

// WithShutdownTimeout bounds how long in-flight requests may run once the
// serve context ends.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.shutdown.Timeout = d
	}
}

// WithShutdownDrainDelay keeps admitting requests for d after shutdown begins.
func WithShutdownDrainDelay(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.shutdown.DrainDelay = d
	}
}

// WithAllowOrigins sets the origins browsers may connect from. An empty list
// disables CORS headers and rejects cross-origin browser requests.
func WithAllowOrigins(origins ...string) ServerOption {
	return func(c *serverConfig) {
		c.allowOrigins = origins
	}
}

// WithKeepAlive sets the interval of keep-alive comments on event streams.
// Zero disables them.
func WithKeepAlive(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.keepAlive = d
	}
}

// WithMaxBodySize bounds a single POSTed message.
func WithMaxBodySize(n int64) ServerOption {
	return func(c *serverConfig) {
		c.maxBodySize = n
	}
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(l logging.Logger) ServerOption {
	return func(c *serverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// httpServer owns the listener and http.Server shared by the network
// transports, plus the acceptance queue feeding Accept.
type httpServer struct {
	addr     string
	cfg      serverConfig
	drain    *ShutdownManager
	accepted chan Binding

	mu         sync.RWMutex
	listenAddr string
	server     *http.Server

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func newHTTPServer(addr string, cfg serverConfig) *httpServer {
	return &httpServer{
		addr:     addr,
		cfg:      cfg,
		drain:    NewShutdownManager(cfg.shutdown),
		accepted: make(chan Binding),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Addr returns the configured address.
func (h *httpServer) Addr() string {
	return h.addr
}

// ListenAddr returns the actual address the server is listening on, or ""
// before Ready is closed.
func (h *httpServer) ListenAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listenAddr
}

// Ready is closed once the listener is bound.
func (h *httpServer) Ready() <-chan struct{} {
	return h.ready
}

// Accept returns the next connected peer.
func (h *httpServer) Accept(ctx context.Context) (Binding, error) {
	select {
	case b := <-h.accepted:
		return b, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// offer hands a freshly connected peer to Accept. It fails when the request
// ends or the server stops before anyone accepts it.
func (h *httpServer) offer(r *http.Request, b Binding) bool {
	select {
	case h.accepted <- b:
		return true
	case <-h.done:
	case <-r.Context().Done():
	}
	return false
}

// serve binds the listener and runs handler until ctx ends. On shutdown it
// drains tracked requests, calls stop to disconnect long-lived peers and
// then stops the http.Server.
func (h *httpServer) serve(ctx context.Context, handler http.Handler, stop func()) error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		h.stopAccepting()
		return fmt.Errorf("failed to listen: %w", err)
	}

	h.mu.Lock()
	h.listenAddr = listener.Addr().String()
	h.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: h.cfg.readTimeout,
	}
	server := h.server
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		h.stopAccepting()
		stop()
		return err
	}

	timeout := h.cfg.shutdown.Timeout + h.cfg.shutdown.DrainDelay
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.drain.Shutdown(shutdownCtx); err != nil {
		h.cfg.logger.Warn("shutdown drain incomplete",
			logging.F("in_flight", h.drain.InFlightRequests()),
			logging.Err(err),
		)
	}
	h.stopAccepting()
	stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (h *httpServer) stopAccepting() {
	h.doneOnce.Do(func() { close(h.done) })
}

// wrap applies origin validation and, when origins are configured, CORS.
func (h *httpServer) wrap(next http.Handler) http.Handler {
	handler := OriginGuard(h.cfg.allowOrigins, next)
	if len(h.cfg.allowOrigins) > 0 {
		handler = CORSHandler(CORSConfig{AllowOrigins: h.cfg.allowOrigins}, handler)
	}
	return handler
}

// handleHealth reports liveness and the number of connected peers.
func handleHealth(peers func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": peers(),
		})
	}
}
