package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, UpgraderOptions{})
		if err != nil {
			return
		}
		defer c.Close()
		ctx := context.Background()
		for {
			mt, b, err := c.ReadMessage(ctx)
			if err != nil {
				return
			}
			if err := c.WriteMessage(ctx, mt, b); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialConn(t *testing.T, ts *httptest.Server) *Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	raw, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	return &Conn{c: raw}
}

func TestConnEcho(t *testing.T) {
	c := dialConn(t, startEchoServer(t))
	ctx := context.Background()
	if err := c.WriteMessage(ctx, websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	mt, b, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage || string(b) != "ping" {
		t.Fatalf("unexpected echo: type=%d body=%q", mt, b)
	}
}

func TestReadMessageUnblocksOnCancel(t *testing.T) {
	c := dialConn(t, startEchoServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, _, err := c.ReadMessage(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("read did not unblock promptly after cancellation")
	}
}

func TestReadMessageFailsFastWhenAlreadyDone(t *testing.T) {
	c := dialConn(t, startEchoServer(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := c.ReadMessage(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadMessageMapsDeadline(t *testing.T) {
	c := dialConn(t, startEchoServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, _, err := c.ReadMessage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
