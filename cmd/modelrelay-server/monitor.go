package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type monitorEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type monitorSystemInfo struct {
	CPUUsage            float64   `json:"cpu_usage"`
	MemoryUsage         float64   `json:"memory_usage"`
	DiskUsage           float64   `json:"disk_usage"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	HeartbeatSecondsAgo int64     `json:"heartbeat_seconds_ago"`
}

type monitorClient struct {
	ClientID   string             `json:"client_id"`
	SystemInfo *monitorSystemInfo `json:"system_info"`
}

// runMonitor fetches the client list from a running server's admin API and
// renders it as a fixed-width table.
func runMonitor(stdout io.Writer, stderr io.Writer, baseURL string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/api/clients")
	if err != nil {
		fmt.Fprintf(stderr, "monitor: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "monitor: admin API returned %s\n", resp.Status)
		return 1
	}

	var env monitorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		fmt.Fprintf(stderr, "monitor: decode response: %v\n", err)
		return 1
	}
	if !env.Success {
		fmt.Fprintf(stderr, "monitor: %s\n", env.Message)
		return 1
	}
	var clients []monitorClient
	if err := json.Unmarshal(env.Data, &clients); err != nil {
		fmt.Fprintf(stderr, "monitor: decode clients: %v\n", err)
		return 1
	}

	writeMonitorTable(stdout, clients)
	return 0
}

func writeMonitorTable(w io.Writer, clients []monitorClient) {
	fmt.Fprintf(w, "%-24s %8s %8s %8s %12s\n", "CLIENT ID", "CPU%", "MEM%", "DISK%", "HEARTBEAT")
	if len(clients) == 0 {
		fmt.Fprintln(w, "(no connected clients)")
		return
	}
	for _, c := range clients {
		if c.SystemInfo == nil {
			fmt.Fprintf(w, "%-24s %8s %8s %8s %12s\n", c.ClientID, "-", "-", "-", "no data")
			continue
		}
		hb := "no data"
		if !c.SystemInfo.LastHeartbeat.IsZero() {
			hb = fmt.Sprintf("%ds ago", c.SystemInfo.HeartbeatSecondsAgo)
		}
		fmt.Fprintf(w, "%-24s %8.1f %8.1f %8.1f %12s\n",
			c.ClientID, c.SystemInfo.CPUUsage, c.SystemInfo.MemoryUsage, c.SystemInfo.DiskUsage, hb)
	}
}
