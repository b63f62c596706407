// Package events is the kernel event bus.
//
// Components publish structured occurrences (dispatches, block/wake edges,
// message traffic, allocation lifecycle) and the bus fans them out to
// subscribers over bounded channels. Publishing never waits: a subscriber
// that falls behind loses events for its own buffer only.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/shared/id"
)

// Kind classifies an event.
type Kind uint8

const (
	KindDispatch Kind = iota
	KindBlock
	KindWake
	KindSend
	KindReceive
	KindAlloc
	KindFree
	KindOOM
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDispatch:
		return "dispatch"
	case KindBlock:
		return "block"
	case KindWake:
		return "wake"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindAlloc:
		return "alloc"
	case KindFree:
		return "free"
	case KindOOM:
		return "oom"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the kind as its name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Event is one kernel occurrence. Seq and TimeMicros are stamped by the bus
// at publish time; which of the remaining fields are meaningful depends on
// the kind.
type Event struct {
	Seq           uint64    `json:"seq"`
	TimeMicros    uint64    `json:"time_micros"`
	Kind          Kind      `json:"kind"`
	Task          id.TaskID `json:"task,omitempty"`
	Peer          id.TaskID `json:"peer,omitempty"`
	Core          uint32    `json:"core"`
	Address       uint64    `json:"address,omitempty"`
	Bytes         uint64    `json:"bytes,omitempty"`
	QuantumMicros uint64    `json:"quantum_micros,omitempty"`
}

// Dispatch reports a task starting a slice on a core.
func Dispatch(task id.TaskID, core uint32, quantumMicros uint64) Event {
	return Event{Kind: KindDispatch, Task: task, Core: core, QuantumMicros: quantumMicros}
}

// Block reports a task leaving the ready pool.
func Block(task id.TaskID) Event {
	return Event{Kind: KindBlock, Task: task}
}

// Wake reports a blocked task becoming ready.
func Wake(task id.TaskID) Event {
	return Event{Kind: KindWake, Task: task}
}

// Send reports a message entering a mailbox.
func Send(sender, receiver id.TaskID, bytes uint64) Event {
	return Event{Kind: KindSend, Task: sender, Peer: receiver, Bytes: bytes}
}

// Receive reports a message leaving a mailbox.
func Receive(receiver, sender id.TaskID, bytes uint64) Event {
	return Event{Kind: KindReceive, Task: receiver, Peer: sender, Bytes: bytes}
}

// Alloc reports a new memory region.
func Alloc(owner id.TaskID, address, bytes uint64) Event {
	return Event{Kind: KindAlloc, Task: owner, Address: address, Bytes: bytes}
}

// Free reports a released memory region.
func Free(owner id.TaskID, address, bytes uint64) Event {
	return Event{Kind: KindFree, Task: owner, Address: address, Bytes: bytes}
}

// OOM reports a failed allocation.
func OOM(owner id.TaskID, bytes uint64) Event {
	return Event{Kind: KindOOM, Task: owner, Bytes: bytes}
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
	BufferSize  int    `json:"buffer_size"`
}

// Bus fans events out to subscribers. Each subscriber owns a bounded buffer;
// Publish offers the event to every buffer and drops per subscriber when a
// buffer is full.
type Bus struct {
	clock    hal.Clock
	capacity int

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64

	mu      sync.RWMutex
	nextSub uint64                // Protected by mu
	subs    map[uint64]chan Event // Protected by mu
}

// NewBus creates a bus whose subscriber buffers hold capacity events each.
// A non-positive capacity falls back to 256.
func NewBus(clock hal.Clock, capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		clock:    clock,
		capacity: capacity,
		subs:     make(map[uint64]chan Event),
	}
}

// Subscription is one subscriber's attachment to the bus.
type Subscription struct {
	id   uint64
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Subscribe attaches a new subscriber with a fresh buffer.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &Subscription{
		id:  b.nextSub,
		ch:  make(chan Event, b.capacity),
		bus: b,
	}
	b.subs[sub.id] = sub.ch
	return sub
}

// Events returns the subscriber's channel. Close closes it.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Events already
// buffered remain readable until the channel drains. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		// No publisher can hold the channel past the delete above, so
		// closing outside the lock is safe.
		close(s.ch)
	})
}

// Publish stamps the event and offers it to every subscriber without
// waiting. Callers fill the kind-specific fields; Seq and TimeMicros are
// overwritten here.
func (b *Bus) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)
	ev.TimeMicros = b.clock.NowMicros()
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
		BufferSize:  b.capacity,
	}
}
