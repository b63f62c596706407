// Package hal is the hardware abstraction boundary of the kernel core.
//
// The core never touches platform state directly. It consumes monotonic time,
// core identity, cooperative cpu-relax hints, IRQ dispatch, and page mapping
// through this boundary, so the same component code runs hosted (userspace
// simulation, tests) or against a real platform layer.
package hal

import (
	"runtime"
	"sync"
)

// Clock provides monotonic kernel time in microseconds. Implementations must
// never go backwards.
type Clock interface {
	NowMicros() uint64
}

// Relax hints the CPU that the caller is in a wait loop. Hosted builds yield
// the processor to other goroutines.
func Relax() {
	runtime.Gosched()
}

// IRQHandler handles one interrupt line. Handlers run on the triggering
// goroutine and must not block.
type IRQHandler func(line uint32)

// IRQ is the interrupt registration and dispatch table. External drivers
// register handlers; the platform (or a test) triggers lines.
type IRQ struct {
	mu       sync.RWMutex
	handlers map[uint32][]IRQHandler
}

// NewIRQ creates an empty interrupt table.
func NewIRQ() *IRQ {
	return &IRQ{
		handlers: make(map[uint32][]IRQHandler),
	}
}

// Register attaches a handler to an interrupt line.
func (i *IRQ) Register(line uint32, h IRQHandler) {
	if h == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[line] = append(i.handlers[line], h)
}

// Trigger dispatches an interrupt line to every registered handler and
// returns the number of handlers invoked.
func (i *IRQ) Trigger(line uint32) int {
	i.mu.RLock()
	hs := i.handlers[line]
	i.mu.RUnlock()

	for _, h := range hs {
		h(line)
	}
	return len(hs)
}

// Lines returns the number of lines with at least one handler.
func (i *IRQ) Lines() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.handlers)
}
