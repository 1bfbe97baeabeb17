package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/transport"
)

func TestShutdownManager(t *testing.T) {
	t.Run("tracks in-flight requests", func(t *testing.T) {
		sm := transport.NewShutdownManager(transport.ShutdownConfig{})

		if sm.InFlightRequests() != 0 {
			t.Error("expected 0 in-flight requests initially")
		}
		if !sm.TrackRequest() {
			t.Error("expected TrackRequest to succeed")
		}
		if sm.InFlightRequests() != 1 {
			t.Errorf("expected 1 in-flight request, got %d", sm.InFlightRequests())
		}
		sm.CompleteRequest()
		if sm.InFlightRequests() != 0 {
			t.Errorf("expected 0 in-flight requests after completion, got %d", sm.InFlightRequests())
		}
	})

	t.Run("rejects requests once drained", func(t *testing.T) {
		sm := transport.NewShutdownManager(transport.ShutdownConfig{Timeout: 100 * time.Millisecond})

		if err := sm.Shutdown(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sm.TrackRequest() {
			t.Error("expected TrackRequest to fail after shutdown")
		}
		if !sm.IsDraining() {
			t.Error("expected IsDraining to return true")
		}
		if sm.InFlightRequests() != 0 {
			t.Errorf("rejected request must not be counted, got %d", sm.InFlightRequests())
		}
	})

	t.Run("waits for in-flight requests", func(t *testing.T) {
		sm := transport.NewShutdownManager(transport.ShutdownConfig{Timeout: time.Second})

		if !sm.TrackRequest() {
			t.Fatal("failed to track request")
		}

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- sm.Shutdown(context.Background())
		}()

		select {
		case <-shutdownDone:
			t.Error("shutdown completed before request was done")
		case <-time.After(50 * time.Millisecond):
		}

		sm.CompleteRequest()

		select {
		case err := <-shutdownDone:
			if err != nil {
				t.Errorf("unexpected shutdown error: %v", err)
			}
		case <-time.After(500 * time.Millisecond):
			t.Error("shutdown did not complete after request finished")
		}
	})

	t.Run("times out if requests don't complete", func(t *testing.T) {
		sm := transport.NewShutdownManager(transport.ShutdownConfig{Timeout: 50 * time.Millisecond})

		if !sm.TrackRequest() {
			t.Fatal("failed to track request")
		}

		err := sm.Shutdown(context.Background())
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if sm.InFlightRequests() != 1 {
			t.Errorf("expected 1 in-flight request, got %d", sm.InFlightRequests())
		}
	})

	t.Run("admits requests during drain delay", func(t *testing.T) {
		sm := transport.NewShutdownManager(transport.ShutdownConfig{
			Timeout:    time.Second,
			DrainDelay: 100 * time.Millisecond,
		})

		start := time.Now()
		go func() { _ = sm.Shutdown(context.Background()) }()

		time.Sleep(20 * time.Millisecond)
		if !sm.TrackRequest() {
			t.Fatal("request rejected during drain delay")
		}
		sm.CompleteRequest()

		<-sm.Done()
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("shutdown completed too quickly (%v)", elapsed)
		}
	})

	t.Run("respects context cancellation during drain delay", func(t *testing.T) {
		sm := transport.NewShutdownManager(transport.ShutdownConfig{
			Timeout:    time.Second,
			DrainDelay: time.Second,
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := sm.Shutdown(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("shutdown took too long (%v)", elapsed)
		}

		select {
		case <-sm.Done():
		default:
			t.Error("done channel not closed after shutdown")
		}
	})
}
