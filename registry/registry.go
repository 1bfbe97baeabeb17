// Package registry maps server names to factories for locally hosted
// endpoints.
//
// A Registry is an explicit value built at startup and handed to whatever
// needs it; there is no package-level table. Registration order is kept so
// that List is stable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/felixgeelhaar/mcp-proxy/session"
)

// ErrNotFound is returned when no server is registered under a name.
var ErrNotFound = errors.New("registry: server not found")

// Kind says how a registered server is hosted.
type Kind int

const (
	// KindPipe servers speak over standard input and output.
	KindPipe Kind = iota
	// KindStream servers speak over an HTTP event stream.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindPipe:
		return "pipe"
	case KindStream:
		return "stream"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ServerInfo describes a registered server.
type ServerInfo struct {
	Name        string
	Description string
	Kind        Kind
	Command     string
	Args        []string
	Env         map[string]string
}

func (i ServerInfo) clone() ServerInfo {
	i.Args = slices.Clone(i.Args)
	i.Env = maps.Clone(i.Env)
	return i
}

// Endpoint is a ready local endpoint: it serves requests like any session
// handler and releases its resources on Close.
type Endpoint interface {
	session.Handler
	io.Closer
}

// Factory creates a ready endpoint.
type Factory func(ctx context.Context) (Endpoint, error)

type entry struct {
	info    ServerInfo
	factory Factory
}

// Registry holds the servers available for local hosting.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a server, or replaces the one registered under the same
// name. A replaced server keeps its position in List.
func (r *Registry) Register(info ServerInfo, factory Factory) error {
	if info.Name == "" {
		return errors.New("registry: server name is required")
	}
	if factory == nil {
		return fmt.Errorf("registry: server %q has no factory", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[info.Name]; !ok {
		r.order = append(r.order, info.Name)
	}
	r.entries[info.Name] = entry{info: info.clone(), factory: factory}
	return nil
}

// List returns every registered server in registration order.
func (r *Registry) List() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].info.clone())
	}
	return out
}

// Lookup returns the server registered under name.
func (r *Registry) Lookup(name string) (ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return ServerInfo{}, false
	}
	return e.info.clone(), true
}

// Instantiate creates a ready endpoint for the named server.
func (r *Registry) Instantiate(ctx context.Context, name string) (Endpoint, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	ep, err := e.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate %q: %w", name, err)
	}
	return ep, nil
}
