package mox

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Shutdown is canceled once the process has received a termination signal.
// Long-running loops (accept loops, queue retry loops) select on
// Shutdown.Done() to stop cleanly.
var Shutdown context.Context

var shutdownCancel func()
var shutdownOnce sync.Once

func init() {
	Shutdown, shutdownCancel = context.WithCancel(context.Background())
}

// HandleSignals cancels Shutdown on SIGINT/SIGTERM. Call once from main.
func HandleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		TriggerShutdown()
	}()
}

// TriggerShutdown cancels Shutdown. Idempotent.
func TriggerShutdown() {
	shutdownOnce.Do(shutdownCancel)
}
