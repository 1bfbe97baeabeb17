package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when using a session that is not Ready. Calls
	// still pending when the session closes fail with an error matching
	// both ErrCancelled and ErrClosed.
	ErrClosed = errors.New("session: closed")

	// ErrCancelled reports a call abandoned before its response arrived,
	// either because the caller gave up or because the session closed.
	ErrCancelled = errors.New("session: request cancelled")

	// ErrTimeout reports a call whose deadline passed. Only the caller that
	// timed out is affected.
	ErrTimeout = errors.New("session: request timed out")
)

// ConnectError reports a failed transport handshake during Open.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// errSessionClosed is the error delivered to calls pending at close.
var errSessionClosed = fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)
