package testutil_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/protocol"
	"github.com/felixgeelhaar/mcp-proxy/testutil"
	"github.com/felixgeelhaar/mcp-proxy/transport"
)

func TestPipe(t *testing.T) {
	t.Run("delivers in order", func(t *testing.T) {
		a, b := testutil.Pipe()
		ctx := context.Background()

		for i := int64(1); i <= 3; i++ {
			req, _ := protocol.NewRequest(i, "echo", nil)
			if err := a.Send(ctx, req.Message()); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		for i := 1; i <= 3; i++ {
			msg, err := b.Recv(ctx)
			if err != nil {
				t.Fatalf("recv: %v", err)
			}
			if want := string(rune('0' + i)); string(msg.ID) != want {
				t.Errorf("id = %s, want %s", msg.ID, want)
			}
		}
	})

	t.Run("close ends the peer sequence after draining", func(t *testing.T) {
		a, b := testutil.Pipe()
		ctx := context.Background()

		n, _ := protocol.NewNotification("notifications/progress", nil)
		_ = a.Send(ctx, n.Message())
		_ = a.Close()

		if _, err := b.Recv(ctx); err != nil {
			t.Fatalf("expected buffered message, got %v", err)
		}
		if _, err := b.Recv(ctx); err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}

		err := b.Send(ctx, n.Message())
		var te *transport.Error
		if !errors.As(err, &te) {
			t.Errorf("expected transport error writing to a closed peer, got %v", err)
		}
		if err := a.Send(ctx, n.Message()); !errors.Is(err, transport.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})

	t.Run("raw frames are validated", func(t *testing.T) {
		a, b := testutil.Pipe()
		a.SendRaw([]byte("{broken"))

		_, err := b.Recv(context.Background())
		var fe *transport.FramingError
		if !errors.As(err, &fe) {
			t.Errorf("expected FramingError, got %v", err)
		}
	})
}

func TestTestClient_Echo(t *testing.T) {
	echo := testutil.NewEcho()
	tc := testutil.NewTestClient(t, echo)

	if echo.Calls(protocol.MethodInitialize) != 1 {
		t.Errorf("expected one initialize, got %d", echo.Calls(protocol.MethodInitialize))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, ok := echo.NextNotification(ctx)
	if !ok || n.Method != protocol.MethodInitialized {
		t.Fatalf("expected notifications/initialized, got %v", n)
	}

	raw, err := tc.SendRequest("echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(raw) != `{"hello":"world"}` {
		t.Errorf("echo result = %s", raw)
	}

	if err := tc.Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}

	_, err = tc.SendRequest("nope", nil)
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeMethodNotFound {
		t.Errorf("expected MethodNotFound, got %v", err)
	}
}
