// Package signals dispatches process signals to registered handlers: SIGHUP
// reloads the configuration, SIGINT and SIGTERM shut the client down.
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// sigChan is buffered so a signal delivered before Handle runs is kept.
var sigChan = make(chan os.Signal, 1)

// Handler is called when a signal is received.
type Handler func()

var (
	mu           sync.RWMutex
	reloaders    []Handler
	interrupters []Handler
	stopOnce     sync.Once
)

// RegisterReloadHandler registers f to run on SIGHUP. Nil is ignored.
func RegisterReloadHandler(f Handler) {
	if f == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	reloaders = append(reloaders, f)
}

// RegisterInterruptHandler registers f to run on SIGINT or SIGTERM. Nil is
// ignored.
func RegisterInterruptHandler(f Handler) {
	if f == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	interrupters = append(interrupters, f)
}

func handleReload() {
	mu.RLock()
	snapshot := append([]Handler(nil), reloaders...)
	mu.RUnlock()
	run("reload", snapshot)
}

func handleInterrupted() {
	mu.RLock()
	snapshot := append([]Handler(nil), interrupters...)
	mu.RUnlock()
	run("interrupt", snapshot)
}

// run calls every handler, surviving panics. The package has no logger, so
// panics go to stderr.
func run(kind string, handlers []Handler) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "signals: panic in %s handler: %v\n", kind, r)
				}
			}()
			h()
		}()
	}
}

// StopHandle makes Handle return. Safe to call more than once.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
