package util

import (
	"io"
	"sync"

	"github.com/go-i2p/logger"
)

var (
	closeOnExit []io.Closer
	closeMutex  sync.Mutex
)

// RegisterCloser registers c to be closed by CloseAll, such as the route
// store or a metrics listener.
func RegisterCloser(c io.Closer) {
	closeMutex.Lock()
	defer closeMutex.Unlock()
	closeOnExit = append(closeOnExit, c)
	log.WithFields(logger.Fields{
		"at":    "RegisterCloser",
		"count": len(closeOnExit),
	}).Debug("registered closer")
}

// CloseAll closes registered closers in reverse registration order and
// clears the list.
func CloseAll() {
	closeMutex.Lock()
	defer closeMutex.Unlock()

	for i := len(closeOnExit) - 1; i >= 0; i-- {
		if err := closeOnExit[i].Close(); err != nil {
			log.WithFields(logger.Fields{
				"at":    "CloseAll",
				"index": i,
			}).WithError(err).Warn("error closing resource")
		}
	}
	closeOnExit = nil
}
