//go:build !windows

package main

import (
	"log"
	"os"
	"syscall"
)

func notifySignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}

// handleSignal returns true if the signal was handled and the server should keep running.
func handleSignal(sig os.Signal, logger *log.Logger, metrics *metricsController) bool {
	switch sig {
	case syscall.SIGUSR1:
		metrics.Enable()
		logger.Printf("metrics enabled")
		return true
	case syscall.SIGUSR2:
		metrics.Disable()
		logger.Printf("metrics disabled")
		return true
	default:
		return false
	}
}
