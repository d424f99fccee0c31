package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWriteMonitorTable(t *testing.T) {
	now := time.Now()
	clients := []monitorClient{
		{
			ClientID: "client-1",
			SystemInfo: &monitorSystemInfo{
				CPUUsage:            12.5,
				MemoryUsage:         40,
				DiskUsage:           60,
				LastHeartbeat:       now,
				HeartbeatSecondsAgo: 3,
			},
		},
		{ClientID: "client-2"},
	}

	var buf bytes.Buffer
	writeMonitorTable(&buf, clients)
	out := buf.String()
	if !strings.Contains(out, "CLIENT ID") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, "client-1") || !strings.Contains(out, "12.5") {
		t.Fatalf("missing client-1 metrics: %q", out)
	}
	if !strings.Contains(out, "3s ago") {
		t.Fatalf("missing heartbeat age: %q", out)
	}
	if !strings.Contains(out, "client-2") || !strings.Contains(out, "no data") {
		t.Fatalf("missing metric-less client: %q", out)
	}
}

func TestWriteMonitorTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	writeMonitorTable(&buf, nil)
	if !strings.Contains(buf.String(), "no connected clients") {
		t.Fatalf("expected empty-fleet notice, got %q", buf.String())
	}
}

func TestRunMonitor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/clients" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[{"client_id":"agent-7","system_info":{"cpu_usage":1.5,"memory_usage":2.5,"disk_usage":3.5,"last_heartbeat":"2026-08-26T00:00:00Z","heartbeat_seconds_ago":9}}],"message":"ok","timestamp":"2026-08-26T00:00:00Z"}`))
	}))
	t.Cleanup(ts.Close)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runMonitor(&stdout, &stderr, ts.URL); code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "agent-7") {
		t.Fatalf("expected client row, got %q", stdout.String())
	}
}

func TestRunMonitor_Unreachable(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runMonitor(&stdout, &stderr, "http://127.0.0.1:1"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatalf("expected error output")
	}
}
