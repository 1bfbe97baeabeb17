package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// Paths served by the SSE transport.
const (
	SSEPath     = "/sse"
	MessagePath = "/messages/"
	HealthPath  = "/health"
)

// errPeerGone reports that the peer's event stream has ended.
var errPeerGone = errors.New("event stream closed")

// SSE exposes sessions to network peers using server-sent events. Each
// GET /sse opens one peer, announced through Accept; the peer POSTs its
// messages to the endpoint named in the first event.
type SSE struct {
	*httpServer

	peersMu sync.RWMutex
	peers   map[string]*ssePeer
}

// NewSSE creates an SSE transport listening on addr once Serve runs.
func NewSSE(addr string, opts ...ServerOption) *SSE {
	return &SSE{
		httpServer: newHTTPServer(addr, newServerConfig(opts)),
		peers:      make(map[string]*ssePeer),
	}
}

// Serve listens and serves until ctx ends, then drains in-flight POSTs and
// disconnects every peer.
func (s *SSE) Serve(ctx context.Context) error {
	return s.serve(ctx, s.Handler(), s.closePeers)
}

// Handler returns the HTTP handler, for embedding into another server or
// for tests.
func (s *SSE) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, handleHealth(s.peerCount))
	mux.HandleFunc(SSEPath, s.handleStream)
	mux.HandleFunc(MessagePath, s.handleMessage)
	return s.wrap(mux)
}

func (s *SSE) peerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

func (s *SSE) lookup(id string) *ssePeer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers[id]
}

func (s *SSE) register(p *ssePeer) {
	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()
}

func (s *SSE) unregister(id string) {
	s.peersMu.Lock()
	delete(s.peers, id)
	s.peersMu.Unlock()
}

func (s *SSE) closePeers() {
	s.peersMu.RLock()
	peers := make([]*ssePeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.RUnlock()

	for _, p := range peers {
		_ = p.Close()
	}
}

// handleStream serves GET /sse: it is the only writer of the peer's events.
func (s *SSE) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	peer := newSSEPeer(uuid.NewString(), r)
	s.register(peer)
	defer func() {
		s.unregister(peer.id)
		peer.hangUp()
	}()

	logger := logging.With(s.cfg.logger, logging.F("peer", peer.id))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := MessagePath + "?session_id=" + peer.id
	if err := writeEvent(w, eventEndpoint, []byte(endpoint)); err != nil {
		return
	}
	flusher.Flush()

	if !s.offer(r, peer) {
		return
	}
	logger.Info("sse peer connected", logging.F("remote_addr", r.RemoteAddr))
	defer logger.Info("sse peer disconnected")

	var keepAlive <-chan time.Time
	if s.cfg.keepAlive > 0 {
		ticker := time.NewTicker(s.cfg.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case data := <-peer.outbox:
			err := writeEvent(w, eventMessage, data)
			if err != nil {
				logger.Debug("sse write failed", logging.Err(err))
				return
			}
			flusher.Flush()
		case <-keepAlive:
			if err := writeComment(w, "ping"); err != nil {
				return
			}
			flusher.Flush()
		case <-peer.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleMessage serves POST /messages/?session_id=...
func (s *SSE) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}
	peer := s.lookup(id)
	if peer == nil {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	if !s.drain.TrackRequest() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.drain.CompleteRequest()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, err := protocol.DecodeMessage(body)
	if err != nil {
		http.Error(w, "Could not parse message", http.StatusBadRequest)
		return
	}

	if err := peer.push(r.Context(), msg); err != nil {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}

// ssePeer is the Binding of one connected SSE peer. Outbound messages are
// handed to the GET handler; inbound messages arrive from POST handlers.
type ssePeer struct {
	id   string
	meta protocol.RequestMeta

	outbox chan []byte
	inbox  chan *protocol.Message

	done      chan struct{} // closed by Close
	closeOnce sync.Once
	gone      chan struct{} // closed when the GET stream ends
	goneOnce  sync.Once
}

func newSSEPeer(id string, r *http.Request) *ssePeer {
	meta := protocol.RequestMeta{
		protocol.MetaPeerID:    id,
		protocol.MetaTransport: "sse",
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		meta[protocol.MetaOrigin] = origin
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		meta[protocol.MetaAuth] = auth
	}

	return &ssePeer{
		id:     id,
		meta:   meta,
		outbox: make(chan []byte),
		inbox:  make(chan *protocol.Message),
		done:   make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

// ID returns the peer's session id.
func (p *ssePeer) ID() string {
	return p.id
}

func (p *ssePeer) Meta() protocol.RequestMeta {
	return p.meta
}

func (p *ssePeer) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}

	select {
	case p.outbox <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.gone:
		return &Error{Op: "write", Err: errPeerGone}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ssePeer) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-p.inbox:
		return msg, nil
	case <-p.gone:
		return nil, io.EOF
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// push delivers a POSTed message, blocking until the receive loop takes it.
func (p *ssePeer) push(ctx context.Context, msg *protocol.Message) error {
	select {
	case p.inbox <- msg:
		return nil
	case <-p.gone:
		return errPeerGone
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ssePeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *ssePeer) hangUp() {
	p.goneOnce.Do(func() { close(p.gone) })
}
