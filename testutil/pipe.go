package testutil

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// PipeBinding is one end of an in-memory transport created by Pipe.
// Messages are round-tripped through JSON so that tests observe exactly
// what a real transport would deliver.
type PipeBinding struct {
	in   <-chan []byte
	out  chan<- []byte
	meta protocol.RequestMeta

	done      chan struct{}
	peerDone  <-chan struct{}
	closeOnce sync.Once
}

// Pipe returns two connected bindings. Closing either end ends the
// other's inbound sequence with io.EOF.
func Pipe() (*PipeBinding, *PipeBinding) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &PipeBinding{in: ba, out: ab, done: make(chan struct{})}
	b := &PipeBinding{in: ab, out: ba, done: make(chan struct{})}
	a.peerDone = b.done
	b.peerDone = a.done
	return a, b
}

// WithMeta sets the metadata reported through transport.MetaProvider.
func (p *PipeBinding) WithMeta(meta protocol.RequestMeta) *PipeBinding {
	p.meta = meta
	return p
}

func (p *PipeBinding) Meta() protocol.RequestMeta {
	return p.meta
}

func (p *PipeBinding) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &transport.Error{Op: "marshal", Err: err}
	}

	select {
	case <-p.done:
		return transport.ErrClosed
	case <-p.peerDone:
		return &transport.Error{Op: "write", Err: io.ErrClosedPipe}
	default:
	}

	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return transport.ErrClosed
	case <-p.peerDone:
		return &transport.Error{Op: "write", Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeBinding) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case data := <-p.in:
		return p.decode(data)
	default:
	}

	select {
	case data := <-p.in:
		return p.decode(data)
	case <-p.done:
		return nil, transport.ErrClosed
	case <-p.peerDone:
		// Drain what the peer sent before it closed.
		select {
		case data := <-p.in:
			return p.decode(data)
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeBinding) decode(data []byte) (*protocol.Message, error) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return nil, &transport.FramingError{Frame: string(data), Err: err}
	}
	return msg, nil
}

// SendRaw writes bytes to the peer as a single frame, bypassing encoding.
func (p *PipeBinding) SendRaw(data []byte) {
	p.out <- data
}

func (p *PipeBinding) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
