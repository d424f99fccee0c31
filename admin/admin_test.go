package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelrelay/modelrelay/tunnel/protocol"
	"github.com/modelrelay/modelrelay/tunnel/registry"
	"github.com/modelrelay/modelrelay/tunnel/server"
)

func newFixture(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	relay, err := server.New(server.Config{
		APIKey: "abc123",
		Users:  server.NewUserStore(map[string]string{"test@example.com": "123456"}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	a, err := New(Config{
		Relay:         relay,
		Ports:         Ports{ControlPort: 17000, ProxyPort: 17001, PublicPort: 18080, APIPort: 18081},
		EventInterval: 50 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("admin.New: %v", err)
	}
	mux := http.NewServeMux()
	a.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return relay, ts
}

// seedClient registers a fake client record directly in the relay registry.
func seedClient(t *testing.T, relay *server.Server, id string) net.Conn {
	t.Helper()
	conn, peer := net.Pipe()
	t.Cleanup(func() {
		conn.Close()
		peer.Close()
	})
	rec := registry.NewRecord(conn, time.Now())
	if !relay.Registry().Insert(id, rec) {
		t.Fatalf("insert %s failed", id)
	}
	relay.Registry().UpdateHeartbeat(id, []protocol.Model{{ID: "m1", Object: "model"}}, time.Now())
	relay.Registry().UpdateSystemInfo(id, registry.SystemInfo{
		CPUUsage:    12.5,
		MemoryUsage: 40,
		DiskUsage:   60,
	}, time.Now())
	return peer
}

func getEnvelope(t *testing.T, url string) (int, protocol.Envelope, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("bad envelope from %s: %v (%s)", url, err, body)
	}
	return resp.StatusCode, env, body
}

func TestGetClients(t *testing.T) {
	relay, ts := newFixture(t)
	seedClient(t, relay, "a1")

	status, env, body := getEnvelope(t, ts.URL+"/api/clients")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("unexpected response: %d %s", status, body)
	}
	if !strings.Contains(string(body), `"client_id":"a1"`) {
		t.Fatalf("client missing from body: %s", body)
	}
	if !strings.Contains(string(body), `"cpu_usage":12.5`) {
		t.Fatalf("system info missing from body: %s", body)
	}
}

func TestGetClientNotFound(t *testing.T) {
	_, ts := newFixture(t)
	status, env, _ := getEnvelope(t, ts.URL+"/api/clients/ghost")
	if status != http.StatusNotFound || env.Success {
		t.Fatalf("expected 404 envelope, got %d success=%v", status, env.Success)
	}
	if env.Message != "Client not found" {
		t.Fatalf("unexpected message %q", env.Message)
	}
}

func TestClientStatusDisconnected(t *testing.T) {
	_, ts := newFixture(t)
	status, env, body := getEnvelope(t, ts.URL+"/api/clients/ghost/status")
	if status != http.StatusOK || !env.Success {
		t.Fatalf("status endpoint should 200 for unknown clients: %d", status)
	}
	if !strings.Contains(string(body), `"connected":false`) {
		t.Fatalf("expected connected:false, got %s", body)
	}
}

func TestStatsAndConnections(t *testing.T) {
	relay, ts := newFixture(t)
	seedClient(t, relay, "a1")

	_, _, body := getEnvelope(t, ts.URL+"/api/stats")
	if !strings.Contains(string(body), `"total_clients":1`) {
		t.Fatalf("unexpected stats: %s", body)
	}

	_, _, body = getEnvelope(t, ts.URL+"/api/connections")
	if !strings.Contains(string(body), `"active_clients":1`) {
		t.Fatalf("unexpected connections: %s", body)
	}

	_, _, body = getEnvelope(t, ts.URL+"/api/connections/pending")
	if !strings.Contains(string(body), `"count":0`) {
		t.Fatalf("unexpected pending: %s", body)
	}
}

func TestModelsEndpoints(t *testing.T) {
	relay, ts := newFixture(t)
	seedClient(t, relay, "a1")

	_, _, body := getEnvelope(t, ts.URL+"/api/models")
	if !strings.Contains(string(body), `"a1"`) || !strings.Contains(string(body), `"m1"`) {
		t.Fatalf("unexpected models map: %s", body)
	}

	_, _, body = getEnvelope(t, ts.URL+"/api/clients/a1/models")
	if !strings.Contains(string(body), `"m1"`) {
		t.Fatalf("unexpected client models: %s", body)
	}
}

func TestPortsAndConfig(t *testing.T) {
	_, ts := newFixture(t)
	_, _, body := getEnvelope(t, ts.URL+"/api/ports")
	if !strings.Contains(string(body), `"control_port":17000`) {
		t.Fatalf("unexpected ports: %s", body)
	}
	_, _, body = getEnvelope(t, ts.URL+"/api/config")
	if !strings.Contains(string(body), `"api_port":18081`) {
		t.Fatalf("unexpected config: %s", body)
	}
}

func TestDisconnectClient(t *testing.T) {
	relay, ts := newFixture(t)
	peer := seedClient(t, relay, "a1")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/clients/a1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	// The control connection must be closed so the session reader unwinds.
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Fatalf("control connection still open after disconnect")
	}
}

func TestCORSHeaders(t *testing.T) {
	_, ts := newFixture(t)
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("missing CORS header, got %q", got)
	}
}

func TestEventsStream(t *testing.T) {
	relay, ts := newFixture(t)
	seedClient(t, relay, "a1")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("bad event frame: %v (%s)", err, b)
	}
	if ev.Type != "snapshot" || len(ev.Clients) != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
