package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultShutdownTimeout bounds how long a network transport waits for
// in-flight POSTs when its serve context ends.
const DefaultShutdownTimeout = 10 * time.Second

// ShutdownConfig configures graceful shutdown behavior.
type ShutdownConfig struct {
	// Timeout is the maximum time to wait for in-flight requests to complete.
	Timeout time.Duration

	// DrainDelay is the time to keep accepting requests after shutdown
	// begins, letting a load balancer take the server out of rotation.
	DrainDelay time.Duration
}

// ShutdownManager tracks in-flight HTTP requests of a network transport so
// that shutdown can let them finish before peers are disconnected.
type ShutdownManager struct {
	config ShutdownConfig

	draining  atomic.Bool
	inFlight  atomic.Int64
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultShutdownTimeout
	}
	return &ShutdownManager{
		config: config,
		doneCh: make(chan struct{}),
	}
}

// IsDraining reports whether new requests are being rejected.
func (sm *ShutdownManager) IsDraining() bool {
	return sm.draining.Load()
}

// InFlightRequests returns the number of tracked requests.
func (sm *ShutdownManager) InFlightRequests() int64 {
	return sm.inFlight.Load()
}

// TrackRequest registers a request. It returns false once draining has
// started; the caller must then reject the request.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.draining.Load() {
		return false
	}
	sm.inFlight.Add(1)
	// Re-check: Shutdown may have started between the load and the add.
	if sm.draining.Load() {
		sm.inFlight.Add(-1)
		return false
	}
	return true
}

// CompleteRequest releases a request registered with TrackRequest.
func (sm *ShutdownManager) CompleteRequest() {
	sm.inFlight.Add(-1)
}

// Shutdown stops admitting requests and waits for the tracked ones to
// complete. It returns context.DeadlineExceeded when requests were still
// running at the timeout.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	defer sm.closeOnce.Do(func() { close(sm.doneCh) })

	if sm.config.DrainDelay > 0 {
		timer := time.NewTimer(sm.config.DrainDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			sm.draining.Store(true)
			return ctx.Err()
		case <-timer.C:
		}
	}

	sm.draining.Store(true)

	ctx, cancel := context.WithTimeout(ctx, sm.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			if sm.inFlight.Load() > 0 {
				return ctx.Err()
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Done is closed when Shutdown returns.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.doneCh
}
