package sched

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/shared/id"
)

// taskHeap orders Ready tasks by priority, then by enqueue sequence so
// equal-priority tasks dispatch oldest-first.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// Stats is the scheduler's counter and occupancy snapshot.
type Stats struct {
	TotalScheduled    uint64 `json:"total_scheduled"`
	ContextSwitches   uint64 `json:"context_switches"`
	Preemptions       uint64 `json:"preemptions"`
	Tasks             int    `json:"tasks"`
	Ready             int    `json:"ready"`
	Running           int    `json:"running"`
	Blocked           int    `json:"blocked"`
	Sleeping          int    `json:"sleeping"`
	BaseQuantumMicros uint64 `json:"base_quantum_micros"`
}

// Scheduler owns every runnable task control block. One exclusive lock
// guards the pools; queries take the shared side. No lock is held across
// a call into another component.
type Scheduler struct {
	mu     sync.RWMutex
	clock  hal.Clock
	policy *Policy
	cores  uint32

	// Protected by mu
	tasks    map[id.TaskID]*Task
	ready    taskHeap
	realtime []*Task // FIFO, dispatched before the heap
	current  map[uint32]*Task
	sleeping map[id.TaskID]*Task
	nextSeq  uint64

	// Protected by mu
	scheduled   uint64
	switches    uint64
	preemptions uint64

	metrics *monitoring.Metrics
}

// NewScheduler creates a scheduler for the given core count.
func NewScheduler(clock hal.Clock, policy *Policy, cores uint32) *Scheduler {
	if cores == 0 {
		cores = 1
	}
	return &Scheduler{
		clock:    clock,
		policy:   policy,
		cores:    cores,
		tasks:    make(map[id.TaskID]*Task),
		current:  make(map[uint32]*Task),
		sleeping: make(map[id.TaskID]*Task),
	}
}

// WithMetrics attaches metrics collection.
func (s *Scheduler) WithMetrics(m *monitoring.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Cores returns the configured core count.
func (s *Scheduler) Cores() uint32 { return s.cores }

// AddTask inserts a task as Ready, resetting its transient scheduling
// fields. It never fails; admission limits are enforced by the caller
// before construction.
func (s *Scheduler) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.id]; ok {
		return
	}
	t.state = StateReady
	t.quantum = 0
	t.runtime = 0
	t.lastRun = 0
	t.switches = 0
	t.hasRun = false
	t.sleepUntil = 0
	t.heapIndex = -1
	s.tasks[t.id] = t
	s.enqueueLocked(t)
	if s.metrics != nil {
		s.metrics.IncTasksCreated()
	}
	s.publishGaugesLocked()
}

// Schedule selects the next task for the given core. It promotes due
// sleepers, dispatches realtime work first (preempting whatever runs on
// the core), lets the current task keep the core while its quantum lasts,
// and otherwise dispatches the highest-priority Ready task whose affinity
// admits the core. The second return is false when nothing is runnable.
func (s *Scheduler) Schedule(core uint32) (TaskSnapshot, bool) {
	var start time.Time
	if s.metrics != nil {
		start = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics != nil {
		defer func() { s.metrics.ObserveSchedule(time.Since(start)) }()
	}

	now := s.clock.NowMicros()
	s.promoteSleepersLocked(now)

	// Realtime always dispatches first, preempting the core's current
	// task regardless of its class.
	if t := s.popRealtimeLocked(core); t != nil {
		if cur := s.current[core]; cur != nil {
			s.requeueLocked(cur, now)
			s.preemptions++
			if s.metrics != nil {
				s.metrics.RecordPreemption()
			}
		}
		return s.dispatchLocked(t, core, now), true
	}

	// The current task keeps the core until its quantum expires.
	if cur := s.current[core]; cur != nil {
		if now-cur.lastRun < cur.quantum {
			s.scheduled++
			return cur.snapshotLocked(), true
		}
		delete(s.current, core)
		s.requeueLocked(cur, now)
	}

	t := s.popReadyLocked(core)
	if t == nil {
		return TaskSnapshot{}, false
	}
	return s.dispatchLocked(t, core, now), true
}

// BlockTask moves a task to Blocked. Blocking an already Blocked task is
// a no-op.
func (s *Scheduler) BlockTask(taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.state == StateBlocked {
		return nil
	}
	if t.state == StateTerminated {
		return ErrInvalidState
	}
	s.detachLocked(t, s.clock.NowMicros())
	t.state = StateBlocked
	s.publishGaugesLocked()
	return nil
}

// WakeTask moves a Blocked task back to Ready.
func (s *Scheduler) WakeTask(taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.state != StateBlocked {
		return ErrInvalidState
	}
	t.state = StateReady
	s.enqueueLocked(t)
	s.publishGaugesLocked()
	return nil
}

// Sleep parks a task until the given absolute time. Due sleepers return
// to Ready on the next Schedule call.
func (s *Scheduler) Sleep(taskID id.TaskID, untilMicros uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.state == StateTerminated {
		return ErrInvalidState
	}
	s.detachLocked(t, s.clock.NowMicros())
	t.state = StateSleeping
	t.sleepUntil = untilMicros
	s.sleeping[t.id] = t
	s.publishGaugesLocked()
	return nil
}

// Terminate drops a task from every scheduling structure. The id is
// unknown afterwards.
func (s *Scheduler) Terminate(taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	s.detachLocked(t, s.clock.NowMicros())
	t.state = StateTerminated
	delete(s.tasks, taskID)
	s.publishGaugesLocked()
	return nil
}

// SetPriority changes a task's urgency class, refiling it if Ready.
func (s *Scheduler) SetPriority(taskID id.TaskID, p Priority) error {
	if !p.Valid() {
		return ErrInvalidPriority
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.priority == p {
		return nil
	}
	if t.state == StateReady {
		s.detachLocked(t, 0)
		t.priority = p
		s.enqueueLocked(t)
		return nil
	}
	t.priority = p
	return nil
}

// SetAffinity replaces a task's CPU mask. Masks that exclude every
// configured core are rejected.
func (s *Scheduler) SetAffinity(taskID id.TaskID, mask CPUMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !mask.AllowsAny(s.cores) {
		return ErrInvalidAffinity
	}
	t.affinity = mask
	return nil
}

// Lookup returns a snapshot of one task.
func (s *Scheduler) Lookup(taskID id.TaskID) (TaskSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return TaskSnapshot{}, false
	}
	return t.snapshotLocked(), true
}

// CapabilitiesOf returns a task's capability space. The space carries its
// own lock, so the caller operates on it after the scheduler lock is
// released.
func (s *Scheduler) CapabilitiesOf(taskID id.TaskID) (*capability.Space, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.caps, true
}

// Tasks returns snapshots of every tracked task, ordered by id.
func (s *Scheduler) Tasks() []TaskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskSnapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the scheduler counters and pool occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		TotalScheduled:    s.scheduled,
		ContextSwitches:   s.switches,
		Preemptions:       s.preemptions,
		Tasks:             len(s.tasks),
		BaseQuantumMicros: s.policy.BaseQuantumMicros(),
	}
	for _, t := range s.tasks {
		switch t.state {
		case StateReady:
			st.Ready++
		case StateRunning:
			st.Running++
		case StateBlocked:
			st.Blocked++
		case StateSleeping:
			st.Sleeping++
		}
	}
	return st
}

// enqueueLocked files a Ready task into the realtime queue or the heap.
func (s *Scheduler) enqueueLocked(t *Task) {
	t.seq = s.nextSeq
	s.nextSeq++
	if t.priority == PriorityRealtime {
		s.realtime = append(s.realtime, t)
		return
	}
	heap.Push(&s.ready, t)
}

// requeueLocked folds the elapsed slice into a Running task's runtime and
// returns it to the ready structures.
func (s *Scheduler) requeueLocked(t *Task, now uint64) {
	if now > t.lastRun {
		t.runtime += now - t.lastRun
	}
	t.state = StateReady
	s.enqueueLocked(t)
}

// detachLocked removes a task from whichever structure its state implies.
// Running tasks get their elapsed slice folded into runtime.
func (s *Scheduler) detachLocked(t *Task, now uint64) {
	switch t.state {
	case StateReady:
		if t.priority == PriorityRealtime {
			for i, q := range s.realtime {
				if q == t {
					s.realtime = append(s.realtime[:i], s.realtime[i+1:]...)
					break
				}
			}
			return
		}
		if t.heapIndex >= 0 {
			heap.Remove(&s.ready, t.heapIndex)
		}
	case StateRunning:
		for core, cur := range s.current {
			if cur == t {
				delete(s.current, core)
				break
			}
		}
		if now > t.lastRun {
			t.runtime += now - t.lastRun
		}
	case StateSleeping:
		delete(s.sleeping, t.id)
	}
}

// popRealtimeLocked removes and returns the oldest realtime task whose
// affinity admits the core.
func (s *Scheduler) popRealtimeLocked(core uint32) *Task {
	for i, t := range s.realtime {
		if t.affinity.Allows(core) {
			s.realtime = append(s.realtime[:i], s.realtime[i+1:]...)
			return t
		}
	}
	return nil
}

// popReadyLocked pops the highest-priority compatible task in a single
// bounded pass, reinserting affinity-incompatible candidates.
func (s *Scheduler) popReadyLocked(core uint32) *Task {
	var skipped []*Task
	var picked *Task
	for s.ready.Len() > 0 {
		t := heap.Pop(&s.ready).(*Task)
		if t.affinity.Allows(core) {
			picked = t
			break
		}
		skipped = append(skipped, t)
	}
	for _, t := range skipped {
		heap.Push(&s.ready, t)
	}
	return picked
}

// promoteSleepersLocked wakes every sleeper whose deadline has passed.
func (s *Scheduler) promoteSleepersLocked(now uint64) {
	for tid, t := range s.sleeping {
		if t.sleepUntil <= now {
			delete(s.sleeping, tid)
			t.state = StateReady
			s.enqueueLocked(t)
		}
	}
}

// dispatchLocked grants a quantum and marks the task Running on the core.
// The quantum is computed before the dispatch stamps so cache affinity
// reflects the previous run.
func (s *Scheduler) dispatchLocked(t *Task, core uint32, now uint64) TaskSnapshot {
	t.quantum = s.policy.quantumFor(t, core, now)
	t.state = StateRunning
	t.lastRun = now
	t.lastCPU = core
	t.hasRun = true
	t.switches++
	s.current[core] = t
	s.scheduled++
	s.switches++
	if s.metrics != nil {
		s.metrics.RecordContextSwitch()
	}
	return t.snapshotLocked()
}

// publishGaugesLocked pushes per-state task counts to the metrics sink.
func (s *Scheduler) publishGaugesLocked() {
	if s.metrics == nil {
		return
	}
	var counts [StateTerminated + 1]int
	for _, t := range s.tasks {
		counts[t.state]++
	}
	for st := StateReady; st <= StateTerminated; st++ {
		s.metrics.SetTasks(st.String(), counts[st])
	}
	s.metrics.SetActiveTasks(len(s.tasks))
}
