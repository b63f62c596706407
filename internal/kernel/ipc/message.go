// Package ipc implements per-receiver message mailboxes with signal
// bypass and zero-copy payload handoff through the memory manager.
package ipc

import (
	"errors"

	"github.com/helixos/kernel/internal/shared/id"
)

var (
	// ErrQueueFull means the receiver's mailbox is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrNoMessages means the mailbox is empty.
	ErrNoMessages = errors.New("no messages")
	// ErrTimeout means no message arrived before the deadline.
	ErrTimeout = errors.New("receive timeout")
	// ErrInvalidReceiver means the receiver id is unusable.
	ErrInvalidReceiver = errors.New("invalid receiver")
	// ErrZeroCopyFailed means a shared payload could not be set up or
	// materialized.
	ErrZeroCopyFailed = errors.New("zero-copy transfer failed")
)

// MessageType classifies a message.
type MessageType uint8

const (
	MessageSignal MessageType = iota
	MessageData
	MessageSharedMemory
	MessageStream
)

// String returns the type name.
func (t MessageType) String() string {
	switch t {
	case MessageSignal:
		return "signal"
	case MessageData:
		return "data"
	case MessageSharedMemory:
		return "shared_memory"
	case MessageStream:
		return "stream"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the type as its name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Flags carries per-message delivery options.
type Flags uint8

const (
	// FlagPriority marks the message urgent. Signals are always urgent
	// regardless of this bit.
	FlagPriority Flags = 1 << iota
	// FlagNonBlocking lets a send proceed past a full mailbox instead of
	// failing with ErrQueueFull.
	FlagNonBlocking
	// FlagZeroCopy requests handoff of a shared region instead of byte
	// copying.
	FlagZeroCopy
)

// Has reports whether every bit in other is set in f.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// PayloadKind tags the payload variant.
type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadInline
	PayloadShared
)

// String returns the kind name.
func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadInline:
		return "inline"
	case PayloadShared:
		return "shared"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the kind as its name.
func (k PayloadKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Payload is the tagged message body: inline bytes or a shared-region
// handle. Only the fields for the tagged kind are meaningful.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	Inline []byte      `json:"inline,omitempty"`
	Region id.RegionID `json:"region,omitempty"`
	Size   uint64      `json:"size,omitempty"`
}

// InlinePayload builds an inline byte payload.
func InlinePayload(b []byte) Payload {
	return Payload{Kind: PayloadInline, Inline: b}
}

// SharedPayload builds a shared-region handle payload.
func SharedPayload(region id.RegionID, size uint64) Payload {
	return Payload{Kind: PayloadShared, Region: region, Size: size}
}

// Bytes reports the payload's logical length.
func (p Payload) Bytes() uint64 {
	switch p.Kind {
	case PayloadInline:
		return uint64(len(p.Inline))
	case PayloadShared:
		return p.Size
	default:
		return 0
	}
}

// Message is one unit of IPC. The queue owns a message from enqueue to
// delivery.
type Message struct {
	ID       id.MessageID `json:"id"`
	Type     MessageType  `json:"type"`
	Sender   id.TaskID    `json:"sender"`
	Receiver id.TaskID    `json:"receiver"`
	Flags    Flags        `json:"flags"`
	Payload  Payload      `json:"payload"`
	SentAt   uint64       `json:"sent_at_micros"`
}

// NewMessage constructs a message with a fresh id.
func NewMessage(typ MessageType, sender, receiver id.TaskID, flags Flags, payload Payload) Message {
	return Message{
		ID:       id.NewMessageID(),
		Type:     typ,
		Sender:   sender,
		Receiver: receiver,
		Flags:    flags,
		Payload:  payload,
	}
}
