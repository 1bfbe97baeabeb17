package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// WebSocketPath is where the WebSocket transport accepts upgrades.
const WebSocketPath = "/ws"

const wsWriteTimeout = 10 * time.Second

// WebSocket exposes sessions to network peers over WebSocket connections,
// one JSON message per text frame.
type WebSocket struct {
	*httpServer
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

// NewWebSocket creates a WebSocket transport listening on addr once Serve runs.
func NewWebSocket(addr string, opts ...ServerOption) *WebSocket {
	ws := &WebSocket{
		httpServer: newHTTPServer(addr, newServerConfig(opts)),
		conns:      make(map[*wsConn]struct{}),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, ws.cfg.allowOrigins)
		},
	}
	return ws
}

// Serve listens and serves until ctx ends, then closes every connection.
func (ws *WebSocket) Serve(ctx context.Context) error {
	return ws.serve(ctx, ws.Handler(), ws.closeAll)
}

// Handler returns the HTTP handler.
func (ws *WebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, handleHealth(ws.connCount))
	mux.HandleFunc(WebSocketPath, ws.handleUpgrade)
	return mux
}

func (ws *WebSocket) connCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.conns)
}

func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.cfg.logger.Debug("websocket upgrade failed", logging.Err(err))
		return
	}

	meta := protocol.RequestMeta{
		protocol.MetaPeerID:    uuid.NewString(),
		protocol.MetaTransport: "websocket",
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		meta[protocol.MetaOrigin] = origin
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		meta[protocol.MetaAuth] = auth
	}

	c := newWSConn(conn, meta, ws.cfg.maxBodySize)
	c.onClose = func() {
		ws.mu.Lock()
		delete(ws.conns, c)
		ws.mu.Unlock()
	}

	ws.mu.Lock()
	ws.conns[c] = struct{}{}
	ws.mu.Unlock()

	if !ws.offer(r, c) {
		_ = c.Close()
		return
	}
	ws.cfg.logger.Info("websocket peer connected",
		logging.F("peer", meta[protocol.MetaPeerID]),
		logging.F("remote_addr", r.RemoteAddr),
	)
}

func (ws *WebSocket) closeAll() {
	ws.mu.RLock()
	conns := make([]*wsConn, 0, len(ws.conns))
	for c := range ws.conns {
		conns = append(conns, c)
	}
	ws.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// DialWebSocket connects to a WebSocket server and returns the binding.
func DialWebSocket(ctx context.Context, rawURL string, headers map[string]string) (Binding, error) {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, h)
	if err != nil {
		if resp != nil {
			return nil, &Error{Op: "dial", Err: fmt.Errorf("%w (status %d)", err, resp.StatusCode)}
		}
		return nil, &Error{Op: "dial", Err: err}
	}

	meta := protocol.RequestMeta{protocol.MetaTransport: "websocket"}
	return newWSConn(conn, meta, DefaultMaxLineSize), nil
}

// wsConn is the Binding of one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	meta protocol.RequestMeta

	mu sync.Mutex // serializes writes

	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newWSConn(conn *websocket.Conn, meta protocol.RequestMeta, maxSize int64) *wsConn {
	if maxSize > 0 {
		conn.SetReadLimit(maxSize)
	}
	c := &wsConn{
		conn:  conn,
		meta:  meta,
		inbox: make(chan inbound),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) Meta() protocol.RequestMeta {
	return c.meta
}

func (c *wsConn) readLoop() {
	defer close(c.inbox)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) {
				c.deliver(inbound{err: io.EOF})
				return
			}
			c.deliver(inbound{err: &Error{Op: "read", Err: err}})
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.deliver(inbound{err: &FramingError{Frame: string(data), Err: err}})
			return
		}
		if !c.deliver(inbound{msg: msg}) {
			return
		}
	}
}

func (c *wsConn) deliver(in inbound) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (*protocol.Message, error) {
	return recvFrom(ctx, c.inbox, c.done)
}

// Close sends a close frame and releases the connection once. A write
// stuck on a slow peer does not hold Close up: the close frame is skipped
// and closing the socket fails that write.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.mu.TryLock() {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.mu.Unlock()
		}
		err = c.conn.Close()

		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
