package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// DefaultMaxLineSize bounds a single newline-delimited message.
const DefaultMaxLineSize = 10 * 1024 * 1024

// Stdio implements a line-framed Binding over a reader/writer pair: one JSON
// document per line in each direction.
type Stdio struct {
	in      io.Reader
	out     io.Writer
	closers []io.Closer
	maxLine int

	mu sync.Mutex // serializes writes

	startOnce sync.Once
	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithStdin sets a custom stdin reader.
func WithStdin(r io.Reader) StdioOption {
	return func(s *Stdio) {
		s.in = r
	}
}

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) StdioOption {
	return func(s *Stdio) {
		s.out = w
	}
}

// WithCloser registers a resource released by Close, in registration order.
func WithCloser(c io.Closer) StdioOption {
	return func(s *Stdio) {
		s.closers = append(s.closers, c)
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) StdioOption {
	return func(s *Stdio) {
		s.maxLine = n
	}
}

// NewStdio creates a stdio binding. Without options it speaks over the
// process's own stdin and stdout.
func NewStdio(opts ...StdioOption) *Stdio {
	s := &Stdio{
		in:      os.Stdin,
		out:     os.Stdout,
		maxLine: DefaultMaxLineSize,
		inbox:   make(chan inbound),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Addr returns the transport address.
func (s *Stdio) Addr() string {
	return "stdio"
}

// Send writes msg as a single line.
func (s *Stdio) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.out.Write(data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// Recv returns the next inbound message. The first call starts the reader.
func (s *Stdio) Recv(ctx context.Context) (*protocol.Message, error) {
	s.startOnce.Do(func() {
		go s.readLoop()
	})
	return recvFrom(ctx, s.inbox, s.done)
}

// Close releases the registered closers exactly once.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, c := range s.closers {
			if err := c.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

func (s *Stdio) readLoop() {
	defer close(s.inbox)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.maxLine)), s.maxLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.DecodeMessage(line)
		if err != nil {
			s.deliver(inbound{err: &FramingError{Frame: string(line), Err: err}})
			return
		}
		if !s.deliver(inbound{msg: msg}) {
			return
		}
	}

	err := scanner.Err()
	switch {
	case err == nil:
		err = io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		err = &FramingError{Err: err}
	default:
		err = &Error{Op: "read", Err: err}
	}
	s.deliver(inbound{err: err})
}

func (s *Stdio) deliver(in inbound) bool {
	select {
	case s.inbox <- in:
		return true
	case <-s.done:
		return false
	}
}
