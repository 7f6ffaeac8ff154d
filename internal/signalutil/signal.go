// Package signalutil registers the stop signals a hosting process reacts to
// by shutting a running Server down, grounded in the signal-handling
// goroutine of the endless graceful-restart pattern, reduced to plain
// shutdown (no fork-on-SIGHUP, no hammer-time).
package signalutil

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	once    sync.Once
	sigChan chan os.Signal
)

// NotifyStop registers exactly once for SIGHUP, SIGINT, SIGQUIT, and
// SIGTERM, returning a channel that receives each one as it arrives.
// Subsequent calls return the same channel.
func NotifyStop() <-chan os.Signal {
	once.Do(func() {
		sigChan = make(chan os.Signal, 8)
		signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	})
	return sigChan
}

// WaitForStop blocks until a stop signal arrives, returning which one.
func WaitForStop() os.Signal {
	return <-NotifyStop()
}
