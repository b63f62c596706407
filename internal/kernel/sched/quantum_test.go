package sched

import (
	"testing"

	"github.com/helixos/kernel/internal/infrastructure/config"
)

func newTestPolicy(t *testing.T) (*Policy, *config.Runtime) {
	t.Helper()
	cfg := config.Default()
	rt := config.NewRuntime(cfg)
	return NewPolicy(cfg.Scheduler, rt), rt
}

func freshTask(p Priority) *Task {
	return NewTask(p, 0, nil)
}

func TestQuantumPriorityMonotonic(t *testing.T) {
	p, _ := newTestPolicy(t)
	prev := uint64(0)
	for pri := PriorityRealtime; pri <= PriorityBackground; pri++ {
		q := p.quantumFor(freshTask(pri), 0, 0)
		if q < prev {
			t.Fatalf("quantum for %v = %d, shorter than the more urgent class %d", pri, q, prev)
		}
		prev = q
	}

	rt := p.quantumFor(freshTask(PriorityRealtime), 0, 0)
	bg := p.quantumFor(freshTask(PriorityBackground), 0, 0)
	if rt > bg {
		t.Fatalf("realtime quantum %d exceeds background quantum %d", rt, bg)
	}
}

func TestQuantumHistoryNudge(t *testing.T) {
	p, rt := newTestPolicy(t)
	base := rt.BaseQuantumMicros()

	plain := p.quantumFor(freshTask(PriorityNormal), 0, 0)

	longRunner := freshTask(PriorityNormal)
	longRunner.switches = 4
	longRunner.runtime = 8 * base
	if q := p.quantumFor(longRunner, 0, 0); q <= plain {
		t.Fatalf("long-running task quantum %d not above baseline %d", q, plain)
	}

	shortRunner := freshTask(PriorityNormal)
	shortRunner.switches = 4
	shortRunner.runtime = base // avg is base/4
	if q := p.quantumFor(shortRunner, 0, 0); q >= plain {
		t.Fatalf("short-running task quantum %d not below baseline %d", q, plain)
	}
}

func TestQuantumCacheAffinity(t *testing.T) {
	p, rt := newTestPolicy(t)
	window := rt.CacheHotWindowMicros()

	plain := p.quantumFor(freshTask(PriorityNormal), 0, 0)

	hot := freshTask(PriorityNormal)
	hot.hasRun = true
	hot.lastCPU = 0
	hot.lastRun = 1000
	qHot := p.quantumFor(hot, 0, 1000+window)
	if qHot <= plain {
		t.Fatalf("cache-hot quantum %d not above baseline %d", qHot, plain)
	}

	migrated := freshTask(PriorityNormal)
	migrated.hasRun = true
	migrated.lastCPU = 0
	migrated.lastRun = 1000
	qCold := p.quantumFor(migrated, 1, 1000+window)
	if qCold >= plain {
		t.Fatalf("migrated quantum %d not below baseline %d", qCold, plain)
	}
	if qHot < qCold {
		t.Fatalf("cache-hot quantum %d shorter than cold %d", qHot, qCold)
	}

	// Same core but outside the window: neither bonus nor penalty.
	stale := freshTask(PriorityNormal)
	stale.hasRun = true
	stale.lastCPU = 0
	stale.lastRun = 1000
	if q := p.quantumFor(stale, 0, 1000+window+1); q != plain {
		t.Fatalf("stale same-core quantum = %d, want baseline %d", q, plain)
	}
}

func TestQuantumFloor(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.MinQuantumMicros = 5000
	rt := config.NewRuntime(cfg)
	p := NewPolicy(cfg.Scheduler, rt)

	// Realtime at factor 0.5 would land on 5000 exactly; force below the
	// floor with a short-runner history as well.
	task := freshTask(PriorityRealtime)
	task.switches = 10
	task.runtime = 10
	if q := p.quantumFor(task, 0, 0); q != 5000 {
		t.Fatalf("quantum = %d, want the 5000 floor", q)
	}
}

func TestQuantumTracksLiveBase(t *testing.T) {
	p, rt := newTestPolicy(t)
	before := p.quantumFor(freshTask(PriorityNormal), 0, 0)

	if err := rt.SetBaseQuantumMicros(before * 2); err != nil {
		t.Fatalf("SetBaseQuantumMicros: %v", err)
	}
	after := p.quantumFor(freshTask(PriorityNormal), 0, 0)
	if after != before*2 {
		t.Fatalf("quantum after retune = %d, want %d", after, before*2)
	}
}
