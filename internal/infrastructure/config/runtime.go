package config

import (
	"fmt"
	"sync/atomic"
)

// Tuning profiles, matching the workloads the kernel is commonly tuned for.
const (
	ProfilePerformance       = "performance"
	ProfileRealtime          = "realtime"
	ProfileMemoryConstrained = "memory"
)

// Runtime is the runtime-tunable view of the configuration. Components read
// individual values through atomic loads on every decision; there is no
// transactional consistency across parameters and none is needed.
type Runtime struct {
	baseQuantumMicros    atomic.Uint64
	cacheHotWindowMicros atomic.Uint64
	queueCapacity        atomic.Int64
	maxTasks             atomic.Int64
}

// RuntimeSnapshot is a point-in-time copy of the tunables.
type RuntimeSnapshot struct {
	BaseQuantumMicros    uint64 `json:"base_quantum_micros"`
	CacheHotWindowMicros uint64 `json:"cache_hot_window_micros"`
	QueueCapacity        int    `json:"queue_capacity"`
	MaxTasks             int    `json:"max_tasks"`
}

// NewRuntime seeds the tunable view from a loaded configuration.
func NewRuntime(cfg *Config) *Runtime {
	r := &Runtime{}
	r.baseQuantumMicros.Store(cfg.Scheduler.BaseQuantumMicros)
	r.cacheHotWindowMicros.Store(cfg.Scheduler.CacheHotWindowMicros)
	r.queueCapacity.Store(int64(cfg.IPC.QueueCapacity))
	r.maxTasks.Store(int64(cfg.Kernel.MaxTasks))
	return r
}

// BaseQuantumMicros returns the current base scheduling slice.
func (r *Runtime) BaseQuantumMicros() uint64 {
	return r.baseQuantumMicros.Load()
}

// SetBaseQuantumMicros updates the base scheduling slice.
func (r *Runtime) SetBaseQuantumMicros(v uint64) error {
	if v == 0 {
		return fmt.Errorf("base quantum must be positive")
	}
	r.baseQuantumMicros.Store(v)
	return nil
}

// CacheHotWindowMicros returns the cache-affinity recency window.
func (r *Runtime) CacheHotWindowMicros() uint64 {
	return r.cacheHotWindowMicros.Load()
}

// SetCacheHotWindowMicros updates the cache-affinity recency window.
func (r *Runtime) SetCacheHotWindowMicros(v uint64) error {
	if v == 0 {
		return fmt.Errorf("cache-hot window must be positive")
	}
	r.cacheHotWindowMicros.Store(v)
	return nil
}

// QueueCapacity returns the per-mailbox capacity.
func (r *Runtime) QueueCapacity() int {
	return int(r.queueCapacity.Load())
}

// SetQueueCapacity updates the per-mailbox capacity.
func (r *Runtime) SetQueueCapacity(v int) error {
	if v <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	r.queueCapacity.Store(int64(v))
	return nil
}

// MaxTasks returns the task admission limit.
func (r *Runtime) MaxTasks() int {
	return int(r.maxTasks.Load())
}

// SetMaxTasks updates the task admission limit.
func (r *Runtime) SetMaxTasks(v int) error {
	if v <= 0 {
		return fmt.Errorf("max tasks must be positive")
	}
	r.maxTasks.Store(int64(v))
	return nil
}

// Snapshot returns a copy of all tunables.
func (r *Runtime) Snapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		BaseQuantumMicros:    r.BaseQuantumMicros(),
		CacheHotWindowMicros: r.CacheHotWindowMicros(),
		QueueCapacity:        r.QueueCapacity(),
		MaxTasks:             r.MaxTasks(),
	}
}

// ApplyProfile adjusts the tunables for a named workload profile.
func (r *Runtime) ApplyProfile(profile string) error {
	switch profile {
	case ProfilePerformance:
		// Long slices amortize switch cost on throughput workloads.
		r.baseQuantumMicros.Store(20000)
		r.queueCapacity.Store(512)
	case ProfileRealtime:
		// Short slices keep dispatch latency tight.
		r.baseQuantumMicros.Store(1000)
		r.cacheHotWindowMicros.Store(500)
	case ProfileMemoryConstrained:
		r.baseQuantumMicros.Store(10000)
		r.queueCapacity.Store(64)
		r.maxTasks.Store(256)
	default:
		return fmt.Errorf("unknown profile: %s", profile)
	}
	return nil
}
