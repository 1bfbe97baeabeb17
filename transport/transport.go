package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// Binding delivers whole protocol messages in both directions over one
// physical channel. Send may be called from several goroutines; Recv is
// consumed by a single receive loop. The inbound sequence ends with io.EOF
// (or a transport error) and cannot be restarted.
type Binding interface {
	// Send writes one message. Failures are reported as *Error.
	Send(ctx context.Context, msg *protocol.Message) error

	// Recv blocks until the next inbound message is available.
	Recv(ctx context.Context) (*protocol.Message, error)

	// Close releases the underlying resources. It is safe to call more than once.
	Close() error
}

// Connector is implemented by bindings that need a handshake before both
// directions are live, such as the SSE client waiting for its endpoint.
type Connector interface {
	Connect(ctx context.Context) error
}

// Acceptor yields one Binding per connecting peer.
type Acceptor interface {
	Accept(ctx context.Context) (Binding, error)
}

// MetaProvider is implemented by bindings that know something about their
// peer, such as the SSE session id or the request origin. Sessions attach
// the metadata to the context of every inbound request.
type MetaProvider interface {
	Meta() protocol.RequestMeta
}

// ErrClosed is returned when using a binding after Close.
var ErrClosed = errors.New("transport: closed")

// Error is a transport failure: broken pipe, refused or reset connection,
// unexpected HTTP status.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FramingError reports an inbound frame that is not a valid message. It
// terminates the inbound sequence.
type FramingError struct {
	Frame string
	Err   error
}

func (e *FramingError) Error() string {
	frame := e.Frame
	if len(frame) > 128 {
		frame = frame[:128] + "..."
	}
	return fmt.Sprintf("transport: malformed frame %q: %v", frame, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// inbound is the result of one read performed by a binding's reader goroutine.
type inbound struct {
	msg *protocol.Message
	err error
}

// recvFrom waits on ch until a message arrives, the binding is closed or ctx
// ends. Reader goroutines send their terminal error as the last item and
// then close ch, after which io.EOF is reported.
func recvFrom(ctx context.Context, ch <-chan inbound, done <-chan struct{}) (*protocol.Message, error) {
	select {
	case in, ok := <-ch:
		if !ok {
			return nil, io.EOF
		}
		return in.msg, in.err
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
