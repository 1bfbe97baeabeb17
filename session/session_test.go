package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/session"
	"github.com/felixgeelhaar/mcp-proxy/testutil"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

// openPair opens a session over one end of a pipe and returns the raw
// other end, which the test drives as the peer.
func openPair(t *testing.T, opts ...session.Option) (*session.Session, *testutil.PipeBinding) {
	t.Helper()
	a, b := testutil.Pipe()
	s := session.New(a, opts...)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

func recvWithin(t *testing.T, b transport.Binding, d time.Duration) *protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := b.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestSession_ConcurrentCallsOutOfOrder(t *testing.T) {
	s, peer := openPair(t)
	const n = 64

	// The peer collects every request, then answers in a shuffled order.
	go func() {
		ctx := context.Background()
		var reqs []*protocol.Message
		for len(reqs) < n {
			msg, err := peer.Recv(ctx)
			if err != nil {
				return
			}
			reqs = append(reqs, msg)
		}
		rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
		for _, req := range reqs {
			_ = peer.Send(ctx, protocol.NewRawResponse(req.ID, req.Params).Message())
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			raw, err := s.Call(ctx, "echo", map[string]int{"caller": i})
			if err != nil {
				errs <- err
				return
			}
			var got struct{ Caller int }
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got.Caller != i {
				errs <- errors.New("caller " + strconv.Itoa(i) + " received the result of " + strconv.Itoa(got.Caller))
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSession_DistinctIDs(t *testing.T) {
	s, peer := openPair(t)
	const n = 50

	seen := make(chan string, n)
	go func() {
		ctx := context.Background()
		for range n {
			msg, err := peer.Recv(ctx)
			if err != nil {
				return
			}
			seen <- protocol.IDKey(msg.ID)
			_ = peer.Send(ctx, protocol.NewResponse(msg.ID, nil).Message())
		}
	}()

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Call(context.Background(), "ping", nil)
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for range n {
		id := <-seen
		assert.False(t, ids[id], "id %s reused", id)
		ids[id] = true
	}
}

func TestSession_ClosePendingCalls(t *testing.T) {
	s, peer := openPair(t)
	const k = 10

	errs := make(chan error, k)
	for range k {
		go func() {
			_, err := s.Call(context.Background(), "slow", nil)
			errs <- err
		}()
	}
	for range k {
		recvWithin(t, peer, 2*time.Second)
	}
	require.Equal(t, k, s.Pending())

	require.NoError(t, s.Close())

	for range k {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, session.ErrCancelled)
			assert.ErrorIs(t, err, session.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved after close")
		}
	}
	assert.Equal(t, 0, s.Pending())
	waitDone(t, s)
	assert.Equal(t, session.StateClosed, s.State())
	assert.NoError(t, s.Err())

	_, err := s.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, session.ErrClosed)
	assert.ErrorIs(t, s.Notify(context.Background(), "notifications/progress", nil), session.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestSession_SpuriousResponseDiscarded(t *testing.T) {
	s, peer := openPair(t)
	ctx := context.Background()

	result := make(chan json.RawMessage, 1)
	go func() {
		raw, err := s.Call(ctx, "echo", map[string]string{"v": "real"})
		if err == nil {
			result <- raw
		}
	}()

	req := recvWithin(t, peer, 2*time.Second)

	// Unknown id: logged and dropped, the session stays usable.
	require.NoError(t, peer.Send(ctx, protocol.NewResponse(json.RawMessage(`9999`), "bogus").Message()))
	require.NoError(t, peer.Send(ctx, protocol.NewRawResponse(req.ID, req.Params).Message()))

	select {
	case raw := <-result:
		assert.JSONEq(t, `{"v":"real"}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("call not resolved")
	}
	assert.Equal(t, session.StateReady, s.State())
}

func TestSession_TimeoutIsolated(t *testing.T) {
	echo := testutil.NewEcho()
	tc := testutil.Connect(t, echo)
	s := tc.Local

	slowErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := s.Call(ctx, "slow", map[string]int{"ms": 2000})
		slowErr <- err
	}()

	raw, err := s.Call(context.Background(), "echo", map[string]string{"fast": "yes"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fast":"yes"}`, string(raw))

	select {
	case err := <-slowErr:
		assert.ErrorIs(t, err, session.ErrTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, session.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out call did not return")
	}

	// The session is unaffected and the peer saw the cancellation, which
	// ended its slow handler early.
	assert.Equal(t, session.StateReady, s.State())
	require.NoError(t, tc.Ping())
	assert.Eventually(t, func() bool { return tc.Peer.Pending() == 0 && s.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSession_CallerCancellationNotifiesPeer(t *testing.T) {
	s, peer := openPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, "slow", nil)
		errCh <- err
	}()

	req := recvWithin(t, peer, 2*time.Second)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, session.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	note := recvWithin(t, peer, 2*time.Second)
	require.Equal(t, protocol.MethodCancelled, note.Method)
	var params protocol.CancelledParams
	require.NoError(t, json.Unmarshal(note.Params, &params))
	assert.Equal(t, string(req.ID), string(params.RequestID))

	// A late answer is dropped as unknown.
	require.NoError(t, peer.Send(context.Background(), protocol.NewResponse(req.ID, "late").Message()))
	assert.Equal(t, session.StateReady, s.State())
}

func TestSession_RemoteErrorUnchanged(t *testing.T) {
	tc := testutil.Connect(t, testutil.NewEcho())

	_, err := tc.Local.Call(context.Background(), "fail", map[string]any{
		"code":    -32042,
		"message": "custom failure",
		"data":    map[string]string{"hint": "x"},
	})
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, -32042, perr.Code)
	assert.Equal(t, "custom failure", perr.Message)
	assert.JSONEq(t, `{"hint":"x"}`, string(perr.Data))
}

func TestSession_PeerEndOfSequence(t *testing.T) {
	s, peer := openPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	recvWithin(t, peer, 2*time.Second)

	require.NoError(t, peer.Close())

	assert.ErrorIs(t, <-errCh, session.ErrCancelled)
	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), io.EOF)
}

func TestSession_FramingErrorCloses(t *testing.T) {
	s, peer := openPair(t)

	peer.SendRaw([]byte(`{"jsonrpc":"2.0","id":1}`))

	waitDone(t, s)
	var fe *transport.FramingError
	assert.ErrorAs(t, s.Err(), &fe)
}

func TestSession_WriteFailureCloses(t *testing.T) {
	s, peer := openPair(t)
	_ = peer.Close()

	// Give the receive loop a chance to observe the close first in some runs;
	// either way the call must fail and the session must end.
	_, err := s.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	waitDone(t, s)
}

func TestSession_ServesPeerRequests(t *testing.T) {
	t.Run("concurrently", func(t *testing.T) {
		release := make(chan struct{})
		var mu sync.Mutex
		active, maxActive := 0, 0

		h := session.HandlerFunc(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			mu.Lock()
			active++
			maxActive = max(maxActive, active)
			mu.Unlock()
			<-release
			mu.Lock()
			active--
			mu.Unlock()
			return protocol.NewResponse(req.ID, "ok"), nil
		})

		_, peer := openPair(t, session.WithHandler(h))
		ctx := context.Background()
		for i := int64(1); i <= 3; i++ {
			req, _ := protocol.NewRequest(i, "work", nil)
			require.NoError(t, peer.Send(ctx, req.Message()))
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return maxActive == 3
		}, 2*time.Second, 5*time.Millisecond)
		close(release)

		for range 3 {
			msg := recvWithin(t, peer, 2*time.Second)
			assert.Equal(t, protocol.KindResponse, msg.Kind())
		}
	})

	t.Run("without handler", func(t *testing.T) {
		_, peer := openPair(t)
		req, _ := protocol.NewRequest(7, "tools/list", nil)
		require.NoError(t, peer.Send(context.Background(), req.Message()))

		msg := recvWithin(t, peer, 2*time.Second)
		assert.Equal(t, "7", string(msg.ID))
		require.NotNil(t, msg.Error)
		assert.Equal(t, protocol.CodeMethodNotFound, msg.Error.Code)
	})

	t.Run("handler errors", func(t *testing.T) {
		h := session.HandlerFunc(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if req.Method == "typed" {
				return nil, protocol.NewInvalidParams("bad")
			}
			return nil, errors.New("boom")
		})
		_, peer := openPair(t, session.WithHandler(h))
		ctx := context.Background()

		req, _ := protocol.NewRequest(1, "typed", nil)
		require.NoError(t, peer.Send(ctx, req.Message()))
		msg := recvWithin(t, peer, 2*time.Second)
		require.NotNil(t, msg.Error)
		assert.Equal(t, protocol.CodeInvalidParams, msg.Error.Code)

		req, _ = protocol.NewRequest(2, "other", nil)
		require.NoError(t, peer.Send(ctx, req.Message()))
		msg = recvWithin(t, peer, 2*time.Second)
		require.NotNil(t, msg.Error)
		assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
		assert.Equal(t, "boom", msg.Error.Message)
	})

	t.Run("request metadata from the binding", func(t *testing.T) {
		a, b := testutil.Pipe()
		a.WithMeta(protocol.RequestMeta{protocol.MetaPeerID: "peer-1"})

		h := session.HandlerFunc(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			return protocol.NewResponse(req.ID, protocol.GetRequestMeta(ctx, protocol.MetaPeerID)), nil
		})
		s := session.New(a, session.WithHandler(h))
		require.NoError(t, s.Open(context.Background()))
		defer s.Close()

		req, _ := protocol.NewRequest(1, "who", nil)
		require.NoError(t, b.Send(context.Background(), req.Message()))
		msg := recvWithin(t, b, 2*time.Second)
		assert.Equal(t, `"peer-1"`, string(msg.Result))
	})
}

func TestSession_NotificationsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	h := session.HandlerFunc(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		var p struct{ N int }
		_ = json.Unmarshal(req.Params, &p)
		// Uneven handling time must not reorder delivery.
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		mu.Lock()
		got = append(got, p.N)
		mu.Unlock()
		return nil, nil
	})

	_, peer := openPair(t, session.WithHandler(h))
	const n = 30
	for i := range n {
		note, _ := protocol.NewNotification("notifications/message", map[string]int{"n": i})
		require.NoError(t, peer.Send(context.Background(), note.Message()))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSession_PeerCancelsInboundRequest(t *testing.T) {
	cancelled := make(chan struct{})
	h := session.HandlerFunc(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, protocol.NewRequestCancelled("cancelled")
	})

	_, peer := openPair(t, session.WithHandler(h))
	ctx := context.Background()

	req, _ := protocol.NewRequest(42, "slow", nil)
	require.NoError(t, peer.Send(ctx, req.Message()))

	note, _ := protocol.NewNotification(protocol.MethodCancelled, protocol.CancelledParams{
		RequestID: json.RawMessage(`42`),
		Reason:    "user abort",
	})
	// The request may not be tracked yet; resend until the handler sees it.
	assert.Eventually(t, func() bool {
		_ = peer.Send(ctx, note.Message())
		select {
		case <-cancelled:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)
}

type failingConnector struct {
	*testutil.PipeBinding
	closed bool
}

func (f *failingConnector) Connect(ctx context.Context) error {
	return errors.New("handshake refused")
}

func (f *failingConnector) Close() error {
	f.closed = true
	return f.PipeBinding.Close()
}

func TestSession_Open(t *testing.T) {
	t.Run("connect failure", func(t *testing.T) {
		a, _ := testutil.Pipe()
		b := &failingConnector{PipeBinding: a}
		s := session.New(b)

		err := s.Open(context.Background())
		var cerr *session.ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.True(t, b.closed)
		waitDone(t, s)
		assert.Equal(t, session.StateClosed, s.State())
	})

	t.Run("calls before open", func(t *testing.T) {
		a, _ := testutil.Pipe()
		s := session.New(a)
		assert.Equal(t, session.StateOpening, s.State())

		_, err := s.Call(context.Background(), "ping", nil)
		assert.ErrorIs(t, err, session.ErrClosed)
	})

	t.Run("open twice", func(t *testing.T) {
		s, _ := openPair(t)
		assert.Error(t, s.Open(context.Background()))
	})
}

func TestSession_CallTimeoutOption(t *testing.T) {
	s, peer := openPair(t, session.WithCallTimeout(30*time.Millisecond))

	_, err := s.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, session.ErrTimeout)

	recvWithin(t, peer, time.Second) // the request
	note := recvWithin(t, peer, time.Second)
	assert.Equal(t, protocol.MethodCancelled, note.Method)
}

func TestSession_ShutdownAnswersInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := session.HandlerFunc(func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
		close(started)
		<-release
		return protocol.NewRawResponse(req.ID, json.RawMessage(`"late"`)), nil
	})
	s, peer := openPair(t, session.WithHandler(handler))

	req, err := protocol.NewRequest(9, "slow", nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(context.Background(), req.Message()))
	<-started

	shut := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shut <- s.Shutdown(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, session.StateReady, s.State(), "shutdown must wait for the handler")
	close(release)

	resp := recvWithin(t, peer, 2*time.Second)
	assert.JSONEq(t, `"late"`, string(resp.Result))
	require.NoError(t, <-shut)
	waitDone(t, s)
}

func TestSession_ShutdownDeadline(t *testing.T) {
	started := make(chan struct{})
	handler := session.HandlerFunc(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, peer := openPair(t, session.WithHandler(handler))

	req, err := protocol.NewRequest(1, "stuck", nil)
	require.NoError(t, err)
	require.NoError(t, peer.Send(context.Background(), req.Message()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	waitDone(t, s)
}
