package session

import (
	"context"
	"sync"
)

// inflight tracks peer-originated requests being served so that a
// notifications/cancelled naming one of them can cancel its context.
type inflight struct {
	mu       sync.Mutex
	requests map[string]*inflightEntry
}

type inflightEntry struct {
	cancel context.CancelFunc
}

func newInflight() *inflight {
	return &inflight{requests: make(map[string]*inflightEntry)}
}

// track returns a cancellable context for the request with the given key
// and a release func that must be called when the request completes.
func (m *inflight) track(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	entry := &inflightEntry{cancel: cancel}

	m.mu.Lock()
	m.requests[key] = entry
	m.mu.Unlock()

	return ctx, func() {
		cancel()
		m.mu.Lock()
		// A peer reusing an id while the first request still runs replaces the
		// entry; only the current owner may remove it.
		if m.requests[key] == entry {
			delete(m.requests, key)
		}
		m.mu.Unlock()
	}
}

// cancel cancels the request with the given key. It reports whether the
// request was still being served.
func (m *inflight) cancel(key string) bool {
	m.mu.Lock()
	entry, ok := m.requests[key]
	if ok {
		delete(m.requests, key)
	}
	m.mu.Unlock()

	if ok {
		entry.cancel()
	}
	return ok
}

func (m *inflight) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
