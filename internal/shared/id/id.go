// Package id provides centralized ID generation for the kernel.
//
// Two id families coexist:
//   - Kernel object ids (TaskID, CapabilityID, MessageID, RegionID): dense
//     monotonic uint64 values drawn from atomic sequences. Zero is never
//     issued; it is reserved as the nil/kernel sentinel.
//   - Instance ids: a random UUID per constructed kernel, plus prefixed
//     ULIDs for boot and request ids (lexicographically sortable and
//     readable in logs).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Kernel Object IDs
// ============================================================================

// TaskID identifies a schedulable task. TaskID 0 is the reserved kernel
// sentinel and is never assigned to a task.
type TaskID uint64

// CapabilityID identifies a capability within a capability space.
type CapabilityID uint64

// MessageID identifies a message and keys its shared payload buffer.
type MessageID uint64

// RegionID identifies a memory region record (an arena slot alias).
type RegionID uint64

// Kernel is the reserved sentinel task id. It marks kernel-owned resources;
// it is never schedulable and never a message address.
const Kernel TaskID = 0

func (id TaskID) Uint64() uint64       { return uint64(id) }
func (id CapabilityID) Uint64() uint64 { return uint64(id) }
func (id MessageID) Uint64() uint64    { return uint64(id) }
func (id RegionID) Uint64() uint64     { return uint64(id) }

// ============================================================================
// Atomic Sequences
// ============================================================================

// Sequence issues monotonic uint64 values starting at 1. Safe for concurrent
// use without locking.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence creates a sequence whose first value is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence whose first value is start.
// Useful for tests that need predictable ids.
func NewSequenceAt(start uint64) *Sequence {
	s := &Sequence{}
	if start > 0 {
		s.next.Store(start - 1)
	}
	return s
}

// Next returns the next value in the sequence.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the most recently issued value, 0 if none.
func (s *Sequence) Current() uint64 {
	return s.next.Load()
}

var (
	taskSeq       = NewSequence()
	capabilitySeq = NewSequence()
	messageSeq    = NewSequence()
	regionSeq     = NewSequence()
)

// NewTaskID issues the next task id.
func NewTaskID() TaskID { return TaskID(taskSeq.Next()) }

// NewCapabilityID issues the next capability id.
func NewCapabilityID() CapabilityID { return CapabilityID(capabilitySeq.Next()) }

// NewMessageID issues the next message id.
func NewMessageID() MessageID { return MessageID(messageSeq.Next()) }

// NewRegionID issues the next region id.
func NewRegionID() RegionID { return RegionID(regionSeq.Next()) }

// ============================================================================
// Instance IDs (ULID)
// ============================================================================

// InstanceID identifies one constructed kernel instance.
type InstanceID string

// BootID identifies one boot of a kernel instance.
type BootID string

// RequestID identifies one request on the introspection API.
type RequestID string

const (
	InstancePrefix = "kern"
	BootPrefix     = "boot"
	RequestPrefix  = "req"
)

func (id InstanceID) String() string { return string(id) }
func (id BootID) String() string     { return string(id) }
func (id RequestID) String() string  { return string(id) }

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewInstanceID generates a kernel instance id. Instances use random
// UUIDs rather than ULIDs: there is no ordering to preserve across
// instances, only distinctness.
func NewInstanceID() InstanceID {
	return InstanceID(fmt.Sprintf("%s_%s", InstancePrefix, uuid.NewString()))
}

// NewBootID generates a boot id.
func NewBootID() BootID {
	return BootID(Default().GenerateWithPrefix(BootPrefix))
}

// NewRequestID generates a request id.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// IsValid checks if an id string (after its prefix, if any) is a valid ULID.
func IsValid(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}
