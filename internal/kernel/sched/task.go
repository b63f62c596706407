// Package sched implements the priority scheduler.
//
// Tasks live in a priority-ordered ready pool plus a dedicated realtime
// queue that always dispatches first. Each dispatch computes a dynamic
// quantum from the base slice, the urgency class, the task's run history,
// and cache affinity with the requesting core.
package sched

import (
	"errors"

	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/shared/id"
)

var (
	// ErrTaskNotFound means the task id is unknown to the scheduler.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidState means the operation does not apply to the task's state.
	ErrInvalidState = errors.New("invalid task state")
	// ErrInvalidPriority means the priority value is out of range.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrInvalidAffinity means the mask excludes every configured core.
	ErrInvalidAffinity = errors.New("affinity excludes every core")
)

// Priority orders tasks by urgency. Lower values are more urgent.
type Priority uint8

const (
	PriorityRealtime Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Valid reports whether p is a defined priority.
func (p Priority) Valid() bool {
	return p <= PriorityBackground
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityRealtime:
		return "realtime"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// State is the task lifecycle state.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CPUMask restricts which cores may run a task. The zero mask allows every
// core.
type CPUMask uint64

// MaskFor builds a mask allowing exactly the given cores.
func MaskFor(cores ...uint32) CPUMask {
	var m CPUMask
	for _, c := range cores {
		if c < 64 {
			m |= 1 << c
		}
	}
	return m
}

// Allows reports whether the mask permits the given core.
func (m CPUMask) Allows(core uint32) bool {
	if m == 0 {
		return true
	}
	if core >= 64 {
		return false
	}
	return m&(1<<core) != 0
}

// AllowsAny reports whether at least one of cores [0, n) is permitted.
func (m CPUMask) AllowsAny(n uint32) bool {
	if m == 0 {
		return true
	}
	for c := uint32(0); c < n && c < 64; c++ {
		if m&(1<<c) != 0 {
			return true
		}
	}
	return false
}

// Task is one schedulable unit. Fields are mutated only while holding the
// scheduler lock; external readers use snapshots.
type Task struct {
	id         id.TaskID
	state      State
	priority   Priority
	quantum    uint64 // micros, set at dispatch
	runtime    uint64 // cumulative micros
	lastRun    uint64 // dispatch timestamp, micros
	affinity   CPUMask
	caps       *capability.Space
	lastCPU    uint32
	hasRun     bool
	switches   uint64
	seq        uint64 // FIFO order among equal priority
	sleepUntil uint64
	heapIndex  int
}

// NewTask constructs a Ready task with a fresh id. The capability space
// comes from the task-creation service; a nil space gets an empty one.
// The scheduler takes ownership of the value once it is added.
func NewTask(priority Priority, affinity CPUMask, caps *capability.Space) *Task {
	if caps == nil {
		caps = capability.NewSpace()
	}
	return &Task{
		id:        id.NewTaskID(),
		state:     StateReady,
		priority:  priority,
		affinity:  affinity,
		caps:      caps,
		heapIndex: -1,
	}
}

// ID returns the task id.
func (t *Task) ID() id.TaskID { return t.id }

// Capabilities returns the task's capability space. The space carries its
// own lock and is safe to share.
func (t *Task) Capabilities() *capability.Space { return t.caps }

// TaskSnapshot is a race-free copy of a task's scheduling fields.
type TaskSnapshot struct {
	ID            id.TaskID `json:"id"`
	State         State     `json:"state"`
	Priority      Priority  `json:"priority"`
	QuantumMicros uint64    `json:"quantum_micros"`
	RuntimeMicros uint64    `json:"runtime_micros"`
	LastRunMicros uint64    `json:"last_run_micros"`
	Affinity      CPUMask   `json:"affinity"`
	LastCPU       uint32    `json:"last_cpu"`
	Switches      uint64    `json:"switches"`
}

// snapshotLocked copies the task. Caller holds the scheduler lock; the
// capability space is deliberately not consulted here so no lock is held
// across a component boundary.
func (t *Task) snapshotLocked() TaskSnapshot {
	return TaskSnapshot{
		ID:            t.id,
		State:         t.state,
		Priority:      t.priority,
		QuantumMicros: t.quantum,
		RuntimeMicros: t.runtime,
		LastRunMicros: t.lastRun,
		Affinity:      t.affinity,
		LastCPU:       t.lastCPU,
		Switches:      t.switches,
	}
}
