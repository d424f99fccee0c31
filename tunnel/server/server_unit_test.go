package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/observability"
	"github.com/modelrelay/modelrelay/tunnel/protocol"
	"github.com/modelrelay/modelrelay/tunnel/registry"
)

type testObserver struct {
	mu       sync.Mutex
	routes   []observability.RouteReason
	selects  []observability.Selection
	sessions []observability.SessionClose
	pairs    []observability.PairOutcome
}

func (o *testObserver) ClientCount(int)  {}
func (o *testObserver) PendingCount(int) {}
func (o *testObserver) PublicConn()      {}
func (o *testObserver) Route(_ observability.RouteResult, r observability.RouteReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, r)
}
func (o *testObserver) Select(s observability.Selection) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selects = append(o.selects, s)
}
func (o *testObserver) Session(c observability.SessionClose) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, c)
}
func (o *testObserver) Pair(p observability.PairOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pairs = append(o.pairs, p)
}
func (o *testObserver) PairLatency(time.Duration) {}

func (o *testObserver) lastRoute() observability.RouteReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.routes) == 0 {
		return ""
	}
	return o.routes[len(o.routes)-1]
}

func (o *testObserver) hasSelect(want observability.Selection) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.selects {
		if s == want {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, obs observability.ServerObserver) *Server {
	t.Helper()
	s, err := New(Config{
		APIKey:   "abc123",
		Observer: obs,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.pairs.Close() })
	return s
}

func TestParseRequestHead(t *testing.T) {
	raw := []byte("POST /v1/chat/completions HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer k\r\n\r\n{\"model\":\"m1\"}")
	req, body, err := parseRequestHead(raw)
	if err != nil {
		t.Fatalf("parseRequestHead: %v", err)
	}
	if req.Method != http.MethodPost || req.URL.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected request line: %s %s", req.Method, req.URL.Path)
	}
	if string(body) != `{"model":"m1"}` {
		t.Fatalf("unexpected body fragment: %q", body)
	}

	if _, _, err := parseRequestHead([]byte("GET / HTTP/1.1\r\nHost")); err == nil {
		t.Fatalf("expected incomplete head to fail")
	}
	if _, _, err := parseRequestHead([]byte("not http at all\r\n\r\n")); err == nil {
		t.Fatalf("expected malformed head to fail")
	}
}

func TestCheckAPIKeyVariants(t *testing.T) {
	s := newTestServer(t, nil)

	mk := func(authz string) *http.Request {
		req, _ := http.NewRequest(http.MethodGet, "http://x/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		return req
	}

	if _, _, ok := s.checkAPIKey(mk("Bearer abc123")); !ok {
		t.Fatalf("expected bearer key to pass")
	}
	if _, _, ok := s.checkAPIKey(mk("bEaReR abc123")); !ok {
		t.Fatalf("expected case-insensitive scheme to pass")
	}
	if _, _, ok := s.checkAPIKey(mk("abc123")); !ok {
		t.Fatalf("expected bare key to pass")
	}
	if reason, _, ok := s.checkAPIKey(mk("")); ok || reason != observability.RouteReasonMissingAPIKey {
		t.Fatalf("expected missing key, got ok=%v reason=%s", ok, reason)
	}
	if reason, _, ok := s.checkAPIKey(mk("Bearer wrong")); ok || reason != observability.RouteReasonInvalidAPIKey {
		t.Fatalf("expected invalid key, got ok=%v reason=%s", ok, reason)
	}
}

func TestReplayConnServesPrefixFirst(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	rc := newReplayConn(a, []byte("hello "))
	go func() {
		b.Write([]byte("world"))
		b.Close()
	}()

	got, err := io.ReadAll(rc)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

// The router must reply 401 before looking at the registry at all.
func TestPublicRejectsBadKeyWithoutPairing(t *testing.T) {
	obs := &testObserver{}
	s := newTestServer(t, obs)

	user, peer := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handlePublic(user)
	}()

	peer.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer wrong\r\n\r\n"))
	resp, _ := io.ReadAll(peer)
	<-done

	if !strings.Contains(string(resp), "401") || !strings.Contains(string(resp), "Invalid API key") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if s.pairs.Len() != 0 {
		t.Fatalf("pairing table touched on auth failure")
	}
	if obs.lastRoute() != observability.RouteReasonInvalidAPIKey {
		t.Fatalf("unexpected route reason %s", obs.lastRoute())
	}
}

func TestPublicEmptyFleetGets503(t *testing.T) {
	obs := &testObserver{}
	s := newTestServer(t, obs)

	user, peer := net.Pipe()
	go s.handlePublic(user)

	peer.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer abc123\r\n\r\n"))
	resp, _ := io.ReadAll(peer)

	if !strings.Contains(string(resp), "503") || !strings.Contains(string(resp), "No active clients available") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if !strings.Contains(string(resp), `"success":false`) {
		t.Fatalf("expected envelope body, got %q", resp)
	}
}

func TestPublicNonHTTPGets400(t *testing.T) {
	obs := &testObserver{}
	s := newTestServer(t, obs)

	user, peer := net.Pipe()
	go s.handlePublic(user)

	peer.Write([]byte("\x00\x01\x02 raw tcp garbage\r\n\r\n"))
	resp, _ := io.ReadAll(peer)

	if !strings.Contains(string(resp), "400") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if obs.lastRoute() != observability.RouteReasonBadRequest {
		t.Fatalf("unexpected route reason %s", obs.lastRoute())
	}
}

// drainControl consumes framed messages from a fake client's control conn
// and reports them on a channel.
func drainControl(conn net.Conn, out chan<- *protocol.Message) {
	for {
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			close(out)
			return
		}
		out <- m
	}
}

func TestPublicModelMatchAndFallback(t *testing.T) {
	obs := &testObserver{}
	s := newTestServer(t, obs)

	ctrl, ctrlPeer := net.Pipe()
	defer ctrlPeer.Close()
	rec := registry.NewRecord(ctrl, time.Now())
	if !s.registry.Insert("a1", rec) {
		t.Fatalf("insert failed")
	}
	s.registry.UpdateHeartbeat("a1", []protocol.Model{{ID: "m1"}}, time.Now())

	msgs := make(chan *protocol.Message, 4)
	go drainControl(ctrlPeer, msgs)

	send := func(body string) {
		user, peer := net.Pipe()
		go s.handlePublic(user)
		req := "POST /v1/chat/completions HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer abc123\r\n" +
			"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
		peer.Write([]byte(req))
		select {
		case m := <-msgs:
			if m.Type != protocol.TypeRequestProxyConn || m.PairID == "" {
				t.Fatalf("unexpected control message: %+v", m)
			}
			if _, _, ok := s.pairs.Take(m.PairID); !ok {
				t.Fatalf("pair %s not pending", m.PairID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no proxy request reached the client")
		}
		peer.Close()
	}

	send(`{"model":"m1"}`)
	if !obs.hasSelect(observability.SelectionModelMatch) {
		t.Fatalf("expected model match selection")
	}

	send(`{"model":"mX"}`)
	if !obs.hasSelect(observability.SelectionModelFallback) {
		t.Fatalf("expected fallback selection on model miss")
	}
	if !obs.hasSelect(observability.SelectionRandom) {
		t.Fatalf("expected random dispatch after fallback")
	}
}


// A failed control write mid-dispatch must purge the client, the pair, and
// the user stream.
func TestPublicWriteFailurePurgesClient(t *testing.T) {
	obs := &testObserver{}
	s := newTestServer(t, obs)

	ctrl, ctrlPeer := net.Pipe()
	ctrlPeer.Close() // writes to ctrl now fail
	rec := registry.NewRecord(ctrl, time.Now())
	if !s.registry.Insert("a1", rec) {
		t.Fatalf("insert failed")
	}

	user, peer := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handlePublic(user)
	}()

	peer.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer abc123\r\n\r\n"))
	io.ReadAll(peer)
	<-done

	if s.registry.Len() != 0 {
		t.Fatalf("client not purged after write failure")
	}
	if s.pairs.Len() != 0 {
		t.Fatalf("pair leaked after write failure")
	}
	if obs.lastRoute() != observability.RouteReasonWriteFailed {
		t.Fatalf("unexpected route reason %s", obs.lastRoute())
	}
}
