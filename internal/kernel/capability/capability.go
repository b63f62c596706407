// Package capability implements per-task access control tables.
//
// A capability is an unforgeable token authorizing operations on one
// resource. Possession is the only proof of authority: components consult
// Check before any privileged action, and rights can only narrow as
// capabilities flow between tasks (the subset law).
package capability

import (
	"errors"
	"strings"

	"github.com/helixos/kernel/internal/shared/id"
)

var (
	// ErrInsufficientRights means no held capability authorizes the operation.
	ErrInsufficientRights = errors.New("insufficient rights")
	// ErrCapabilityNotFound means the referenced capability is not in the space.
	ErrCapabilityNotFound = errors.New("capability not found")
	// ErrResourceLimitExceeded means the space is at its capability quota.
	ErrResourceLimitExceeded = errors.New("capability quota exceeded")
)

// Type classifies the resource a capability refers to.
type Type uint8

const (
	TypeMemory Type = iota
	TypeIO
	TypeIPC
	TypeProcess
	TypeDevice
	TypeNetwork
	TypeFileSystem
	TypeSystem
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeMemory:
		return "memory"
	case TypeIO:
		return "io"
	case TypeIPC:
		return "ipc"
	case TypeProcess:
		return "process"
	case TypeDevice:
		return "device"
	case TypeNetwork:
		return "network"
	case TypeFileSystem:
		return "filesystem"
	case TypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the type as its name.
func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Rights is the capability rights bitset. Every bit participates in subset
// checks; grant and revoke authority propagate under the same law as the
// data rights.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute
	RightGrant
	RightRevoke
)

// RightsAll holds every right bit.
const RightsAll = RightRead | RightWrite | RightExecute | RightGrant | RightRevoke

// Has reports whether r contains every bit of bits.
func (r Rights) Has(bits Rights) bool {
	return r&bits == bits
}

// SubsetOf reports whether every bit of r is present in other.
func (r Rights) SubsetOf(other Rights) bool {
	return r&^other == 0
}

// String renders rights in fixed rwxgv order, "-" for absent bits.
func (r Rights) String() string {
	var b strings.Builder
	flags := []struct {
		bit Rights
		ch  byte
	}{
		{RightRead, 'r'},
		{RightWrite, 'w'},
		{RightExecute, 'x'},
		{RightGrant, 'g'},
		{RightRevoke, 'v'},
	}
	for _, f := range flags {
		if r.Has(f.bit) {
			b.WriteByte(f.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// MarshalJSON renders the rights in rwxgv notation.
func (r Rights) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Capability authorizes operations on one resource. Values are immutable
// once issued; narrowing produces a fresh capability via Derive.
type Capability struct {
	ID       id.CapabilityID `json:"id"`
	Type     Type            `json:"type"`
	Rights   Rights          `json:"rights"`
	Resource uint64          `json:"resource"`
	Owner    id.TaskID       `json:"owner"`
}

// New issues a capability with a fresh id.
func New(typ Type, rights Rights, resource uint64, owner id.TaskID) Capability {
	return Capability{
		ID:       id.NewCapabilityID(),
		Type:     typ,
		Rights:   rights,
		Resource: resource,
		Owner:    owner,
	}
}
