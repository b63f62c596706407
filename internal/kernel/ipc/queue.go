package ipc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/kernel/memory"
	"github.com/helixos/kernel/internal/shared/id"
)

// SharedMemory is the memory-manager surface the queue uses for payload
// spill regions and zero-copy buffers. *memory.Manager satisfies it.
type SharedMemory interface {
	Allocate(owner id.TaskID, size uint64, typ memory.Type, flags memory.Flags) (memory.RegionSnapshot, error)
	Write(regionID id.RegionID, offset uint64, data []byte) error
	Read(regionID id.RegionID, offset, length uint64) ([]byte, error)
	Free(regionID id.RegionID) error
}

// sharedBuffer tracks one refcounted payload region. Owned buffers were
// allocated by the queue for spilled inline payloads and are freed when
// the last reference is delivered; unowned buffers belong to the sender
// and only the tracking entry is dropped.
type sharedBuffer struct {
	region id.RegionID
	size   uint64
	refs   uint32
	owned  bool
}

// Stats is the queue's counter snapshot.
type Stats struct {
	Sent          uint64 `json:"sent"`
	Received      uint64 `json:"received"`
	BytesMoved    uint64 `json:"bytes_moved"`
	Mailboxes     int    `json:"mailboxes"`
	Queued        int    `json:"queued"`
	SharedBuffers int    `json:"shared_buffers"`
}

// Queue owns every mailbox and the shared-buffer table. One exclusive
// mutex guards each operation; memory-manager calls happen outside the
// lock.
type Queue struct {
	mem     SharedMemory
	clock   hal.Clock
	runtime *config.Runtime

	inlineMax int
	maxBytes  uint64
	relax     func()

	mu        sync.Mutex
	mailboxes map[id.TaskID][]Message
	buffers   map[id.MessageID]*sharedBuffer
	sent      uint64
	received  uint64
	bytes     uint64

	metrics *monitoring.Metrics
}

// NewQueue creates a queue. Mailbox capacity is read from the runtime
// view on every send so the tuning service can adjust it live.
func NewQueue(cfg config.IPCConfig, rt *config.Runtime, clock hal.Clock, mem SharedMemory) *Queue {
	return &Queue{
		mem:       mem,
		clock:     clock,
		runtime:   rt,
		inlineMax: cfg.InlineThreshold,
		maxBytes:  cfg.MaxMessageBytes,
		relax:     hal.Relax,
		mailboxes: make(map[id.TaskID][]Message),
		buffers:   make(map[id.MessageID]*sharedBuffer),
	}
}

// WithMetrics attaches metrics collection.
func (q *Queue) WithMetrics(m *monitoring.Metrics) *Queue {
	q.metrics = m
	return q
}

// Send enqueues a message for its receiver. Signals push to the front of
// the mailbox and ignore capacity. Inline payloads above the inline
// threshold spill into a queue-owned shared region. A zero-copy send
// needs a usable shared payload or fails with ErrZeroCopyFailed.
func (q *Queue) Send(msg Message) error {
	if msg.Receiver == 0 {
		return ErrInvalidReceiver
	}
	if msg.ID == 0 {
		msg.ID = id.NewMessageID()
	}
	if msg.Payload.Bytes() > q.maxBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrQueueFull, q.maxBytes)
	}
	if msg.Flags.Has(FlagZeroCopy) && !q.zeroCopyUsable(msg.Payload) {
		return ErrZeroCopyFailed
	}

	// Spill oversized inline payloads into a shared region before taking
	// the queue lock. The region is queue-owned and reclaimed at delivery.
	converted := false
	if msg.Payload.Kind == PayloadInline && len(msg.Payload.Inline) > q.inlineMax {
		n := uint64(len(msg.Payload.Inline))
		snap, err := q.mem.Allocate(msg.Sender, n, memory.TypeShared, memory.FlagRead|memory.FlagWrite|memory.FlagCached)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrZeroCopyFailed, err)
		}
		if err := q.mem.Write(snap.ID, 0, msg.Payload.Inline); err != nil {
			q.mem.Free(snap.ID)
			return fmt.Errorf("%w: %v", ErrZeroCopyFailed, err)
		}
		msg.Payload = SharedPayload(snap.ID, n)
		converted = true
	}

	msg.SentAt = q.clock.NowMicros()

	q.mu.Lock()
	box := q.mailboxes[msg.Receiver]
	if msg.Type == MessageSignal {
		q.mailboxes[msg.Receiver] = append([]Message{msg}, box...)
	} else {
		if len(box) >= q.capacity() && !msg.Flags.Has(FlagNonBlocking) {
			q.mu.Unlock()
			if converted {
				q.mem.Free(msg.Payload.Region)
			}
			return ErrQueueFull
		}
		q.mailboxes[msg.Receiver] = append(box, msg)
	}
	if converted || (msg.Flags.Has(FlagZeroCopy) && msg.Payload.Kind == PayloadShared) {
		if _, ok := q.buffers[msg.ID]; !ok {
			q.buffers[msg.ID] = &sharedBuffer{
				region: msg.Payload.Region,
				size:   msg.Payload.Size,
				refs:   1,
				owned:  converted,
			}
		}
	}
	q.sent++
	q.bytes += msg.Payload.Bytes()
	if q.metrics != nil {
		q.metrics.RecordMessageSent(msg.Type.String(), int(msg.Payload.Bytes()))
		q.metrics.SetMailboxes(len(q.mailboxes))
		q.metrics.SetSharedBuffers(len(q.buffers))
	}
	q.mu.Unlock()
	return nil
}

// Receive pops the oldest message from the calling task's mailbox, or a
// front-pushed signal. With a zero timeout an empty mailbox fails
// immediately with ErrNoMessages; otherwise the call polls with one
// cooperative yield per attempt until the deadline, then fails with
// ErrTimeout.
func (q *Queue) Receive(taskID id.TaskID, timeoutMicros uint64) (Message, error) {
	if taskID == 0 {
		return Message{}, ErrInvalidReceiver
	}
	msg, err := q.tryReceive(taskID)
	if !errors.Is(err, ErrNoMessages) {
		return msg, err
	}
	if timeoutMicros == 0 {
		return Message{}, ErrNoMessages
	}
	deadline := q.clock.NowMicros() + timeoutMicros
	for {
		q.relax()
		msg, err = q.tryReceive(taskID)
		if !errors.Is(err, ErrNoMessages) {
			return msg, err
		}
		if q.clock.NowMicros() >= deadline {
			return Message{}, ErrTimeout
		}
	}
}

func (q *Queue) tryReceive(taskID id.TaskID) (Message, error) {
	q.mu.Lock()
	box := q.mailboxes[taskID]
	if len(box) == 0 {
		q.mu.Unlock()
		return Message{}, ErrNoMessages
	}
	msg := box[0]
	if len(box) == 1 {
		delete(q.mailboxes, taskID)
	} else {
		q.mailboxes[taskID] = box[1:]
	}

	var materialize, reclaim bool
	if buf, ok := q.buffers[msg.ID]; ok {
		buf.refs--
		materialize = buf.owned
		if buf.refs == 0 {
			delete(q.buffers, msg.ID)
			reclaim = buf.owned
		}
	}
	q.received++
	if q.metrics != nil {
		q.metrics.RecordMessageReceived(msg.Type.String())
		q.metrics.SetMailboxes(len(q.mailboxes))
		q.metrics.SetSharedBuffers(len(q.buffers))
	}
	q.mu.Unlock()

	// Spilled payloads are materialized back into inline bytes and the
	// backing region reclaimed exactly once. Sender-owned zero-copy
	// regions pass through as handles; freeing them is the endpoints'
	// business.
	if materialize {
		data, rerr := q.mem.Read(msg.Payload.Region, 0, msg.Payload.Size)
		if reclaim {
			// The region is tracked and queue-owned; a free failure here
			// only happens under mapper fault injection.
			q.mem.Free(msg.Payload.Region)
		}
		if rerr != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrZeroCopyFailed, rerr)
		}
		msg.Payload = InlinePayload(data)
	}
	return msg, nil
}

// Pending reports the depth of one task's mailbox.
func (q *Queue) Pending(taskID id.TaskID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mailboxes[taskID])
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := 0
	for _, box := range q.mailboxes {
		queued += len(box)
	}
	return Stats{
		Sent:          q.sent,
		Received:      q.received,
		BytesMoved:    q.bytes,
		Mailboxes:     len(q.mailboxes),
		Queued:        queued,
		SharedBuffers: len(q.buffers),
	}
}

func (q *Queue) capacity() int {
	return q.runtime.QueueCapacity()
}

// zeroCopyUsable reports whether a payload can satisfy an explicit
// zero-copy request: an existing shared handle, or inline bytes large
// enough to spill into one.
func (q *Queue) zeroCopyUsable(p Payload) bool {
	switch p.Kind {
	case PayloadShared:
		return p.Region != 0 && p.Size > 0
	case PayloadInline:
		return len(p.Inline) > q.inlineMax
	default:
		return false
	}
}
