// Package session correlates JSON-RPC requests with their responses over a
// transport binding.
//
// A Session owns one binding. Outbound calls get a fresh correlation id and
// a pending entry that is resolved exactly once: by the matching response,
// by the caller's deadline or cancellation, or by the session closing.
// Peer-originated requests are served concurrently by the Handler while
// peer notifications are delivered to it in arrival order.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// Handler serves peer-originated traffic. It is called with requests and
// with notifications (req.IsNotification()); responses returned for
// notifications are discarded. A returned *protocol.Error becomes the error
// response; any other error becomes an InternalError.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// HandleRequest calls f(ctx, req).
func (f HandlerFunc) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return f(ctx, req)
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpening State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	cancelNotifyTimeout  = 5 * time.Second
	shutdownPollInterval = 10 * time.Millisecond
)

// Session is one logical conversation over a transport binding.
type Session struct {
	binding transport.Binding
	opts    options
	logger  logging.Logger

	nextID atomic.Int64
	state  atomic.Int32

	mu      sync.Mutex
	pending map[string]*pendingCall
	handler Handler
	err     error

	inflight *inflight
	serving  atomic.Int64
	notes    chan *protocol.Request

	baseCtx    context.Context
	cancelBase context.CancelFunc

	opened    atomic.Bool
	loops     sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// pendingCall is an outstanding outbound request.
type pendingCall struct {
	method   string
	issuedAt time.Time
	result   chan callResult
}

type callResult struct {
	msg *protocol.Message
	err error
}

// New creates a session over b in state Opening. Nothing is read or written
// until Open.
func New(b transport.Binding, opts ...Option) *Session {
	o := options{
		name:        "session",
		logger:      logging.Nop(),
		openTimeout: DefaultOpenTimeout,
		queueSize:   64,
	}
	for _, opt := range opts {
		opt(&o)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	if mp, ok := b.(transport.MetaProvider); ok {
		if meta := mp.Meta(); len(meta) > 0 {
			baseCtx = protocol.ContextWithRequestMeta(baseCtx, meta)
		}
	}

	s := &Session{
		binding:    b,
		opts:       o,
		logger:     logging.With(o.logger, logging.F("session", o.name)),
		pending:    make(map[string]*pendingCall),
		handler:    o.handler,
		inflight:   newInflight(),
		notes:      make(chan *protocol.Request, o.queueSize),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		done:       make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))
	return s
}

// Name returns the session name used in logs.
func (s *Session) Name() string {
	return s.opts.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed: io.EOF when the peer ended the
// sequence, the transport or framing error that ended it, or nil after a
// local Close. It is nil while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of outbound calls awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetHandler replaces the handler for peer-originated traffic.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Session) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Open performs the transport handshake, if the binding needs one, and
// starts the receive loop. On failure the binding is closed, the session
// is Closed and a *ConnectError is returned.
func (s *Session) Open(ctx context.Context) error {
	if !s.opened.CompareAndSwap(false, true) {
		return errors.New("session: already opened")
	}
	if s.State() != StateOpening {
		return ErrClosed
	}

	if c, ok := s.binding.(transport.Connector); ok {
		connectCtx := ctx
		if s.opts.openTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, s.opts.openTimeout)
			defer cancel()
		}
		if err := c.Connect(connectCtx); err != nil {
			cerr := &ConnectError{Err: err}
			s.logger.Error("connect failed", logging.Err(err))
			s.shutdown(cerr)
			return cerr
		}
	}

	if !s.state.CompareAndSwap(int32(StateOpening), int32(StateReady)) {
		return ErrClosed
	}

	s.loops.Add(2)
	go s.receiveLoop()
	go s.notificationLoop()

	s.logger.Info("session ready")
	return nil
}

// Call sends a request and waits for its response. A response carrying an
// error is returned as *protocol.Error, unchanged.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.State() != StateReady {
		return nil, ErrClosed
	}

	raw, err := protocol.MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := s.nextID.Add(1)
	req := &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}
	key := protocol.IDKey(req.ID)

	pc := &pendingCall{
		method:   method,
		issuedAt: time.Now(),
		result:   make(chan callResult, 1),
	}

	s.mu.Lock()
	if s.State() != StateReady {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[key] = pc
	s.mu.Unlock()

	if s.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.callTimeout)
		defer cancel()
	}

	s.logger.Debug("sending request", logging.F("id", id), logging.F("method", method))

	if err := s.binding.Send(ctx, req.Message()); err != nil {
		if !s.removePending(key) {
			// The session closed while sending and already resolved the call.
			return unwrapResult(<-pc.result)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, callContextError(ctxErr)
		}
		s.fail(err)
		return nil, err
	}

	select {
	case r := <-pc.result:
		return unwrapResult(r)
	case <-ctx.Done():
		if !s.removePending(key) {
			// Resolved concurrently; the result is already buffered.
			return unwrapResult(<-pc.result)
		}
		s.logger.Debug("request abandoned",
			logging.F("id", id),
			logging.F("method", method),
			logging.F("elapsed", time.Since(pc.issuedAt).String()),
			logging.Err(ctx.Err()),
		)
		go s.notifyCancelled(req.ID, ctx.Err())
		return nil, callContextError(ctx.Err())
	}
}

func unwrapResult(r callResult) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Error != nil {
		return nil, r.msg.Error
	}
	return r.msg.Result, nil
}

func callContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// notifyCancelled tells the peer that the request with the given id was
// abandoned. Failures are only logged.
func (s *Session) notifyCancelled(id json.RawMessage, cause error) {
	reason := "request cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "request timed out"
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, cancelNotifyTimeout)
	defer cancel()

	err := s.Notify(ctx, protocol.MethodCancelled, protocol.CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("cancel notification not delivered", logging.Err(err))
	}
}

func (s *Session) removePending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; !ok {
		return false
	}
	delete(s.pending, key)
	return true
}

// Notify sends a notification. Send failures are returned to the caller; a
// transport failure also closes the session.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() != StateReady {
		return ErrClosed
	}

	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	s.logger.Debug("sending notification", logging.F("method", method))

	if err := s.binding.Send(ctx, n.Message()); err != nil {
		if ctx.Err() == nil {
			s.fail(err)
		}
		return err
	}
	return nil
}

// Close closes the session and its binding. Pending calls fail with
// ErrCancelled and in-flight handlers see their context cancelled. Close
// does not wait for the receive loop; use Done for that.
func (s *Session) Close() error {
	return s.shutdown(nil)
}

// Shutdown waits until every peer request being served has been answered
// and then closes the session. If ctx ends first the session is closed
// anyway and ctx's error is returned.
func (s *Session) Shutdown(ctx context.Context) error {
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for s.serving.Load() > 0 && s.State() == StateReady {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		}
	}
	return s.Close()
}

// fail closes the session after a transport failure on the write side.
func (s *Session) fail(err error) {
	if errors.Is(err, transport.ErrClosed) {
		s.shutdown(nil)
		return
	}
	s.logger.Error("send failed, closing session", logging.Err(err))
	s.shutdown(err)
}

func (s *Session) shutdown(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosing))
		s.err = cause
		pending := s.pending
		s.pending = make(map[string]*pendingCall)
		s.mu.Unlock()

		for _, pc := range pending {
			pc.result <- callResult{err: errSessionClosed}
		}
		if len(pending) > 0 {
			s.logger.Debug("cancelled pending calls", logging.F("count", len(pending)))
		}

		s.cancelBase()
		err = s.binding.Close()

		go func() {
			s.loops.Wait()
			s.state.Store(int32(StateClosed))
			close(s.done)
		}()
	})
	return err
}

func (s *Session) receiveLoop() {
	defer s.loops.Done()

	for {
		msg, err := s.binding.Recv(s.baseCtx)
		if err != nil {
			s.endOfSequence(err)
			return
		}

		switch msg.Kind() {
		case protocol.KindResponse:
			s.resolve(msg)
		case protocol.KindRequest:
			s.serve(msg.Request())
		case protocol.KindNotification:
			s.dispatchNotification(msg.Request())
		default:
			s.logger.Warn("discarding invalid message")
		}
	}
}

func (s *Session) endOfSequence(err error) {
	var framing *transport.FramingError
	switch {
	case s.State() >= StateClosing:
		// Local close; the binding reports ErrClosed or a cancelled context.
		return
	case errors.Is(err, io.EOF):
		s.logger.Info("peer closed the session")
	case errors.As(err, &framing):
		s.logger.Error("malformed frame, closing session", logging.Err(err))
	default:
		s.logger.Error("receive failed, closing session", logging.Err(err))
	}
	s.shutdown(err)
}

func (s *Session) resolve(msg *protocol.Message) {
	key := protocol.IDKey(msg.ID)

	s.mu.Lock()
	pc, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
		pc.result <- callResult{msg: msg}
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("discarding response for unknown request", logging.F("id", string(msg.ID)))
		return
	}
	s.logger.Debug("received response",
		logging.F("id", string(msg.ID)),
		logging.F("method", pc.method),
		logging.F("elapsed", time.Since(pc.issuedAt).String()),
	)
}

// serve runs the handler for a peer request in its own goroutine and
// writes exactly one response.
func (s *Session) serve(req *protocol.Request) {
	ctx, release := s.inflight.track(s.baseCtx, protocol.IDKey(req.ID))
	s.serving.Add(1)

	go func() {
		defer s.serving.Add(-1)
		defer release()

		resp := s.handle(ctx, req)
		if err := s.binding.Send(s.baseCtx, resp.Message()); err != nil {
			if s.State() >= StateClosing {
				return
			}
			s.fail(err)
		}
	}()
}

func (s *Session) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	h := s.currentHandler()
	if h == nil {
		return protocol.NewErrorResponse(req.ID, protocol.NewMethodNotFound(req.Method))
	}

	resp, err := h.HandleRequest(ctx, req)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return protocol.NewErrorResponse(req.ID, perr)
		}
		return protocol.NewErrorResponse(req.ID, protocol.NewInternalError(err.Error()))
	}
	if resp == nil {
		return protocol.NewErrorResponse(req.ID, protocol.NewInternalError("no response"))
	}
	resp.ID = req.ID
	return resp
}

// dispatchNotification handles cancellation of in-flight requests inline
// and queues everything else for the ordered notification worker.
func (s *Session) dispatchNotification(n *protocol.Request) {
	if n.Method == protocol.MethodCancelled {
		var params protocol.CancelledParams
		if err := json.Unmarshal(n.Params, &params); err == nil && len(params.RequestID) > 0 {
			if s.inflight.cancel(protocol.IDKey(params.RequestID)) {
				s.logger.Debug("peer cancelled request",
					logging.F("id", string(params.RequestID)),
					logging.F("reason", params.Reason),
				)
			}
			return
		}
	}

	select {
	case s.notes <- n:
	case <-s.baseCtx.Done():
	}
}

func (s *Session) notificationLoop() {
	defer s.loops.Done()

	for {
		select {
		case n := <-s.notes:
			h := s.currentHandler()
			if h == nil {
				s.logger.Debug("dropping notification", logging.F("method", n.Method))
				continue
			}
			if _, err := h.HandleRequest(s.baseCtx, n); err != nil {
				s.logger.Warn("notification handler failed",
					logging.F("method", n.Method),
					logging.Err(err),
				)
			}
		case <-s.baseCtx.Done():
			return
		}
	}
}
