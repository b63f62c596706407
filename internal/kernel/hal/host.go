package hal

import (
	"sync"
	"sync/atomic"
	"time"
)

// Host is the hosted (userspace) platform layer. Page mapping is pure
// bookkeeping, cache maintenance is a no-op, and time comes from the
// process monotonic clock.
type Host struct {
	start time.Time
	cores uint32
	irq   *IRQ

	nextCore atomic.Uint32

	mapErr   atomic.Value // error injected by tests
	mappedBy atomic.Uint64
	unmapped atomic.Uint64
	prefetch atomic.Uint64
	flushes  atomic.Uint64
}

// NewHost creates a hosted platform layer simulating the given core count.
func NewHost(cores uint32) *Host {
	if cores == 0 {
		cores = 1
	}
	return &Host{
		start: time.Now(),
		cores: cores,
		irq:   NewIRQ(),
	}
}

// NowMicros implements Clock.
func (h *Host) NowMicros() uint64 {
	return uint64(time.Since(h.start).Microseconds())
}

// Cores returns the simulated core count.
func (h *Host) Cores() uint32 {
	return h.cores
}

// ClaimCore assigns a core id to a kernel loop. Hosted builds run one loop
// goroutine per core and each claims its identity at startup.
func (h *Host) ClaimCore() uint32 {
	return (h.nextCore.Add(1) - 1) % h.cores
}

// IRQ returns the interrupt table.
func (h *Host) IRQ() *IRQ {
	return h.irq
}

// FailMappings makes every subsequent mapping call return err. Passing nil
// restores normal behavior. Test hook.
func (h *Host) FailMappings(err error) {
	if err == nil {
		h.mapErr.Store(errBox{})
		return
	}
	h.mapErr.Store(errBox{err})
}

type errBox struct{ err error }

func (h *Host) mappingErr() error {
	if v := h.mapErr.Load(); v != nil {
		return v.(errBox).err
	}
	return nil
}

// MapPages records a private mapping.
func (h *Host) MapPages(addr, size uint64, flags uint8) error {
	if err := h.mappingErr(); err != nil {
		return err
	}
	h.mappedBy.Add(size)
	return nil
}

// UnmapPages records an unmapping.
func (h *Host) UnmapPages(addr, size uint64) error {
	if err := h.mappingErr(); err != nil {
		return err
	}
	h.unmapped.Add(size)
	return nil
}

// MapShared records a shared mapping for an additional owner.
func (h *Host) MapShared(addr, size uint64, flags uint8) error {
	if err := h.mappingErr(); err != nil {
		return err
	}
	h.mappedBy.Add(size)
	return nil
}

// MapDevice records a device mapping at a physical address.
func (h *Host) MapDevice(phys, size uint64, flags uint8) error {
	if err := h.mappingErr(); err != nil {
		return err
	}
	h.mappedBy.Add(size)
	return nil
}

// Prefetch is a cache prefetch hint. Hosted builds only count it.
func (h *Host) Prefetch(addr, size uint64) {
	h.prefetch.Add(1)
}

// FlushLine writes a cache line back to memory. No-op when hosted.
func (h *Host) FlushLine(addr uint64) {
	h.flushes.Add(1)
}

// MappedBytes reports cumulative bytes passed through mapping calls.
func (h *Host) MappedBytes() uint64 {
	return h.mappedBy.Load()
}

// PrefetchHints reports the number of prefetch hints issued.
func (h *Host) PrefetchHints() uint64 {
	return h.prefetch.Load()
}

// FlushedLines reports the number of cache line flushes issued.
func (h *Host) FlushedLines() uint64 {
	return h.flushes.Load()
}

// ManualClock is a Clock driven explicitly by tests.
type ManualClock struct {
	mu     sync.Mutex
	micros uint64
}

// NewManualClock creates a manual clock at time zero.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// NowMicros implements Clock.
func (c *ManualClock) NowMicros() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micros
}

// Advance moves the clock forward by d microseconds.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	c.micros += d
	c.mu.Unlock()
}

// Set moves the clock to an absolute microsecond value.
func (c *ManualClock) Set(micros uint64) {
	c.mu.Lock()
	c.micros = micros
	c.mu.Unlock()
}
