package pairing

import (
	"net"
	"testing"
	"time"
)

func TestTakeConsumesEntry(t *testing.T) {
	tb := New(0, 0)
	defer tb.Close()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tb.Insert("p1", a)
	if got := tb.Len(); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}
	c, _, ok := tb.Take("p1")
	if !ok || c != a {
		t.Fatalf("expected to take the inserted conn, ok=%v", ok)
	}
	if _, _, ok := tb.Take("p1"); ok {
		t.Fatal("expected second take to miss")
	}
	if tb.Len() != 0 {
		t.Fatal("expected empty table")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	tb := New(0, 0)
	defer tb.Close()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tb.Insert("p1", a)
	tb.Remove("p1")
	tb.Remove("p1")
	if _, _, ok := tb.Take("p1"); ok {
		t.Fatal("expected removed entry to be gone")
	}
}

func TestSweepEvictsAndCloses(t *testing.T) {
	tb := New(10*time.Millisecond, time.Hour) // sweep manually
	defer tb.Close()
	evicted := make(chan string, 1)
	tb.SetEvictHook(func(id string) { evicted <- id })

	a, b := net.Pipe()
	defer b.Close()
	tb.Insert("p1", a)

	tb.sweep(time.Now().Add(time.Second))
	select {
	case id := <-evicted:
		if id != "p1" {
			t.Fatalf("expected p1 evicted, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected eviction")
	}
	if tb.Len() != 0 {
		t.Fatal("expected table drained")
	}
	// The evicted user stream must be closed.
	if _, err := a.Write([]byte("x")); err == nil {
		t.Fatal("expected write on evicted conn to fail")
	}
}

func TestSweepKeepsFreshEntries(t *testing.T) {
	tb := New(time.Hour, time.Hour)
	defer tb.Close()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	tb.Insert("p1", a)
	tb.sweep(time.Now())
	if tb.Len() != 1 {
		t.Fatal("expected fresh entry to survive sweep")
	}
}
