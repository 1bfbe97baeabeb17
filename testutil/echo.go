package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// Echo is a stub endpoint for correlation and proxy tests. It understands:
//
//	echo    returns its params verbatim
//	fail    returns the error {code, message} given in its params
//	slow    waits {"ms": n} milliseconds or until cancelled
//	ping    returns {}
//	initialize returns a fixed server description
//
// Every other method is answered with MethodNotFound. Notifications are
// recorded in arrival order.
type Echo struct {
	Name string

	mu      sync.Mutex
	notes   []*protocol.Request
	calls   map[string]int
	noteCh  chan *protocol.Request
	started chan string
}

// NewEcho returns an Echo endpoint.
func NewEcho() *Echo {
	return &Echo{
		Name:    "echo",
		calls:   make(map[string]int),
		noteCh:  make(chan *protocol.Request, 256),
		started: make(chan string, 256),
	}
}

// HandleRequest implements session.Handler.
func (e *Echo) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	e.mu.Lock()
	e.calls[req.Method]++
	if req.IsNotification() {
		e.notes = append(e.notes, req)
	}
	e.mu.Unlock()

	if req.IsNotification() {
		select {
		case e.noteCh <- req:
		default:
		}
		return nil, nil
	}

	select {
	case e.started <- req.Method:
	default:
	}

	switch req.Method {
	case "echo":
		return protocol.NewRawResponse(req.ID, req.Params), nil
	case "fail":
		var perr protocol.Error
		if err := json.Unmarshal(req.Params, &perr); err != nil {
			return nil, protocol.NewInvalidParams(err.Error())
		}
		return nil, &perr
	case "slow":
		var p struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(req.Params, &p)
		select {
		case <-time.After(time.Duration(p.MS) * time.Millisecond):
			return protocol.NewResponse(req.ID, map[string]int{"slept": p.MS}), nil
		case <-ctx.Done():
			return nil, protocol.NewRequestCancelled(ctx.Err().Error())
		}
	case protocol.MethodPing:
		return protocol.NewResponse(req.ID, struct{}{}), nil
	case protocol.MethodInitialize:
		return protocol.NewResponse(req.ID, map[string]any{
			"protocolVersion": protocol.MCPVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": e.Name, "version": "1.0.0"},
		}), nil
	default:
		return nil, protocol.NewMethodNotFound(req.Method)
	}
}

// Calls returns how many times method was received.
func (e *Echo) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// Notifications returns the notifications received so far.
func (e *Echo) Notifications() []*protocol.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*protocol.Request(nil), e.notes...)
}

// NextNotification waits for the next notification.
func (e *Echo) NextNotification(ctx context.Context) (*protocol.Request, bool) {
	select {
	case n := <-e.noteCh:
		return n, true
	case <-ctx.Done():
		return nil, false
	}
}

// Started yields the method of every request as its handling begins.
func (e *Echo) Started() <-chan string {
	return e.started
}
