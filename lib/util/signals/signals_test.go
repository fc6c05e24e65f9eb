package signals

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reset() {
	mu.Lock()
	defer mu.Unlock()
	reloaders = nil
	interrupters = nil
}

func TestHandlersRunInOrder(t *testing.T) {
	reset()
	defer reset()

	var order []int
	RegisterInterruptHandler(func() { order = append(order, 1) })
	RegisterInterruptHandler(nil)
	RegisterInterruptHandler(func() { order = append(order, 2) })

	handleInterrupted()
	assert.Equal(t, []int{1, 2}, order)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	reset()
	defer reset()

	var reloaded atomic.Int32
	RegisterReloadHandler(func() { panic("bad config") })
	RegisterReloadHandler(func() { reloaded.Add(1) })

	assert.NotPanics(t, handleReload)
	assert.Equal(t, int32(1), reloaded.Load())
}

func TestReloadAndInterruptAreSeparate(t *testing.T) {
	reset()
	defer reset()

	var reloads, interrupts atomic.Int32
	RegisterReloadHandler(func() { reloads.Add(1) })
	RegisterInterruptHandler(func() { interrupts.Add(1) })

	handleReload()
	assert.Equal(t, int32(1), reloads.Load())
	assert.Equal(t, int32(0), interrupts.Load())
}
