package sched

import (
	"github.com/helixos/kernel/internal/infrastructure/config"
)

// Policy computes dynamic quanta. The base slice and the cache-hot window
// are live tunables read atomically on every decision; the factor tables
// are fixed at construction.
//
// quantum = base * priority * history * cache, floored at the minimum slice.
//
// Priority factors shorten slices for urgent classes and stretch them for
// background work, so realtime tasks revisit the scheduler often while bulk
// work amortizes switch cost. History compares a task's mean run length
// against the base slice and nudges the estimate by a fixed ratio. Cache
// affinity rewards a task re-dispatched quickly onto the core it last ran
// on and shortens the slice of a migrated task.
type Policy struct {
	runtime      *config.Runtime
	min          uint64
	factors      [PriorityBackground + 1]float64
	historyRatio float64
	hot          float64
	cold         float64
}

// NewPolicy builds a policy from the scheduler configuration and the live
// tunable view.
func NewPolicy(cfg config.SchedulerConfig, rt *config.Runtime) *Policy {
	p := &Policy{
		runtime:      rt,
		min:          cfg.MinQuantumMicros,
		historyRatio: cfg.HistoryRatio,
		hot:          cfg.CacheHotFactor,
		cold:         cfg.CacheColdFactor,
	}
	p.factors[PriorityRealtime] = cfg.RealtimeFactor
	p.factors[PriorityHigh] = cfg.HighFactor
	p.factors[PriorityNormal] = cfg.NormalFactor
	p.factors[PriorityLow] = cfg.LowFactor
	p.factors[PriorityBackground] = cfg.BackgroundFactor
	if p.min == 0 {
		p.min = 1
	}
	return p
}

// BaseQuantumMicros returns the current base slice.
func (p *Policy) BaseQuantumMicros() uint64 {
	return p.runtime.BaseQuantumMicros()
}

// quantumFor computes the slice for dispatching t on core at time now.
// Caller holds the scheduler lock.
func (p *Policy) quantumFor(t *Task, core uint32, now uint64) uint64 {
	base := float64(p.runtime.BaseQuantumMicros())
	q := base * p.factors[t.priority]

	// History: long-running tasks earn longer slices, short runners
	// shorter ones.
	if t.switches > 0 {
		avg := float64(t.runtime) / float64(t.switches)
		if avg > base {
			q *= 1 + p.historyRatio
		} else if avg < base {
			q *= 1 - p.historyRatio
		}
	}

	// Cache affinity: same core within the hot window keeps caches warm;
	// a migration starts cold.
	if t.hasRun {
		if t.lastCPU == core && now-t.lastRun <= p.runtime.CacheHotWindowMicros() {
			q *= p.hot
		} else if t.lastCPU != core {
			q *= p.cold
		}
	}

	if q < float64(p.min) {
		return p.min
	}
	return uint64(q)
}
