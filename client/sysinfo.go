package client

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo is one snapshot of host utilization, reported alongside each
// heartbeat.
type SystemInfo struct {
	CPUUsage     float64
	MemoryUsage  float64
	DiskUsage    float64
	ComputerName string
}

// CollectSystemInfo samples host metrics. CPU is averaged over a short
// window; the heartbeat cadence absorbs the sampling delay.
func CollectSystemInfo() (SystemInfo, error) {
	var info SystemInfo
	if host, err := os.Hostname(); err == nil {
		info.ComputerName = host
	}
	if pcts, err := cpu.Percent(500*time.Millisecond, false); err == nil && len(pcts) > 0 {
		info.CPUUsage = pcts[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return info, err
	}
	info.MemoryUsage = vm.UsedPercent
	du, err := disk.Usage("/")
	if err != nil {
		return info, err
	}
	info.DiskUsage = du.UsedPercent
	return info, nil
}
