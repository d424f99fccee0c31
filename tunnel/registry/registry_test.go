package registry

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/tunnel/protocol"
)

func newTestRecord(t *testing.T) (*Record, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return NewRecord(server, time.Now()), client
}

func TestInsertRejectsDuplicate(t *testing.T) {
	g := New()
	a, _ := newTestRecord(t)
	b, _ := newTestRecord(t)
	if !g.Insert("a1", a) {
		t.Fatal("expected first insert to succeed")
	}
	if g.Insert("a1", b) {
		t.Fatal("expected duplicate insert to fail")
	}
	if got := g.Len(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	g := New()
	a, _ := newTestRecord(t)
	g.Insert("a1", a)
	if !g.Remove("a1") {
		t.Fatal("expected remove to report removal")
	}
	if g.Remove("a1") {
		t.Fatal("expected second remove to be a no-op")
	}
	if g.Len() != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestRegistryTracksConnectedSet(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c"} {
		r, _ := newTestRecord(t)
		g.Insert(id, r)
	}
	g.Remove("b")
	ids := g.SnapshotIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["a"] || !seen["c"] || seen["b"] {
		t.Fatalf("unexpected snapshot %v", ids)
	}
}

func TestFindByModelFirstSeenOrder(t *testing.T) {
	g := New()
	first, _ := newTestRecord(t)
	second, _ := newTestRecord(t)
	g.Insert("first", first)
	g.Insert("second", second)
	now := time.Now()
	g.UpdateHeartbeat("second", []protocol.Model{{ID: "m1"}}, now)
	g.UpdateHeartbeat("first", []protocol.Model{{ID: "m1"}}, now)

	for i := 0; i < 20; i++ {
		id, ok := g.FindByModel("m1")
		if !ok || id != "first" {
			t.Fatalf("expected first-seen client, got %q ok=%v", id, ok)
		}
	}
	if _, ok := g.FindByModel("mX"); ok {
		t.Fatal("expected no match for unknown model")
	}
}

func TestHeartbeatKeepsMetricsAndNilKeepsCatalog(t *testing.T) {
	g := New()
	r, _ := newTestRecord(t)
	g.Insert("a1", r)
	now := time.Now()
	g.UpdateSystemInfo("a1", SystemInfo{CPUUsage: 50, ComputerName: "gpu-box"}, now)
	g.UpdateHeartbeat("a1", []protocol.Model{{ID: "m1"}}, now.Add(time.Second))
	g.UpdateHeartbeat("a1", nil, now.Add(2*time.Second))

	v, ok := g.View("a1")
	if !ok {
		t.Fatal("expected view")
	}
	if v.Sys == nil || v.Sys.CPUUsage != 50 {
		t.Fatalf("expected metrics to survive heartbeats, got %+v", v.Sys)
	}
	if len(v.Models) != 1 || v.Models[0].ID != "m1" {
		t.Fatalf("expected catalog to survive nil heartbeat, got %+v", v.Models)
	}
	if !v.LastHeartbeat.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("expected heartbeat timestamp to advance, got %v", v.LastHeartbeat)
	}
}

func TestHeartbeatEmptyCatalogClearsModels(t *testing.T) {
	g := New()
	r, _ := newTestRecord(t)
	g.Insert("a1", r)
	now := time.Now()
	g.UpdateHeartbeat("a1", []protocol.Model{{ID: "m1"}}, now)
	g.UpdateHeartbeat("a1", []protocol.Model{}, now.Add(time.Second))

	v, ok := g.View("a1")
	if !ok {
		t.Fatal("expected view")
	}
	if len(v.Models) != 0 {
		t.Fatalf("expected empty catalog to replace the previous one, got %+v", v.Models)
	}
	if _, ok := g.FindByModel("m1"); ok {
		t.Fatal("expected no client advertising m1 after the catalog emptied")
	}
}

func TestSendSerializesConcurrentWriters(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	r := NewRecord(server, time.Now())

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := r.Send(&protocol.Message{Type: protocol.TypeRequestProxyConn, PairID: "p"}); err != nil {
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		server.Close()
		close(done)
	}()

	// Every frame on the receiving side must parse cleanly.
	got := 0
	for {
		m, err := protocol.ReadMessage(client)
		if err != nil {
			break
		}
		if m.Type != protocol.TypeRequestProxyConn {
			t.Fatalf("unexpected message type %q", m.Type)
		}
		got++
	}
	<-done
	if got != writers*perWriter {
		t.Fatalf("expected %d frames, got %d", writers*perWriter, got)
	}
}
