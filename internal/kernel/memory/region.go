// Package memory implements the region-based memory manager.
//
// Backing is one contiguous arena of simulated physical memory; addresses
// are offsets from the arena base. Regions are descriptors keyed by a
// stable id, and sharing is expressed as multiple descriptors referencing
// one refcounted arena slot rather than aliased raw addresses.
package memory

import (
	"errors"

	"github.com/helixos/kernel/internal/shared/id"
)

var (
	// ErrOutOfMemory means every allocation source was exhausted.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrRegionNotFound means the region id is untracked.
	ErrRegionNotFound = errors.New("region not found")
	// ErrInvalidRegionType means the operation does not apply to the
	// region's type.
	ErrInvalidRegionType = errors.New("invalid region type")
	// ErrInvalidAddress means an address, offset, or length is out of
	// bounds.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidFlags means the protection flags are malformed or deny
	// the access.
	ErrInvalidFlags = errors.New("invalid protection flags")
	// ErrMappingFailed means the platform mapping step failed.
	ErrMappingFailed = errors.New("page mapping failed")
)

// Type classifies a region's purpose. It drives flag defaults and the
// platform mapping step.
type Type uint8

const (
	TypeCode Type = iota
	TypeData
	TypeStack
	TypeShared
	TypeDevice
	TypeKernel
)

// Valid reports whether t is a defined region type.
func (t Type) Valid() bool {
	return t <= TypeKernel
}

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeCode:
		return "code"
	case TypeData:
		return "data"
	case TypeStack:
		return "stack"
	case TypeShared:
		return "shared"
	case TypeDevice:
		return "device"
	case TypeKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the type as its name.
func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Flags is the protection and placement bitset for a region.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagUser
	FlagCached
	FlagPrefetch
	FlagHuge
)

// Has reports whether every bit in other is set in f.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// String renders the flags as "rwxucph" with dashes for absent bits.
func (f Flags) String() string {
	b := []byte("-------")
	if f.Has(FlagRead) {
		b[0] = 'r'
	}
	if f.Has(FlagWrite) {
		b[1] = 'w'
	}
	if f.Has(FlagExecute) {
		b[2] = 'x'
	}
	if f.Has(FlagUser) {
		b[3] = 'u'
	}
	if f.Has(FlagCached) {
		b[4] = 'c'
	}
	if f.Has(FlagPrefetch) {
		b[5] = 'p'
	}
	if f.Has(FlagHuge) {
		b[6] = 'h'
	}
	return string(b)
}

// MarshalJSON renders the flags in their string form.
func (f Flags) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// region is one tracked descriptor. Descriptors referencing an arena slot
// share its backing; device descriptors carry their own window instead.
type region struct {
	id         id.RegionID
	slot       uint32
	addr       uint64 // arena offset, or device physical address
	size       uint64
	typ        Type
	flags      Flags
	owner      id.TaskID
	device     bool
	devBuf     []byte
	accesses   uint64
	lastAccess uint64
}

// RegionSnapshot is a race-free copy of one region descriptor.
type RegionSnapshot struct {
	ID               id.RegionID `json:"id"`
	Address          uint64      `json:"address"`
	Size             uint64      `json:"size"`
	Type             Type        `json:"type"`
	Flags            Flags       `json:"flags"`
	Owner            id.TaskID   `json:"owner"`
	Refs             uint32      `json:"refs"`
	Device           bool        `json:"device"`
	Accesses         uint64      `json:"accesses"`
	LastAccessMicros uint64      `json:"last_access_micros"`
}

func (r *region) snapshot(refs uint32) RegionSnapshot {
	return RegionSnapshot{
		ID:               r.id,
		Address:          r.addr,
		Size:             r.size,
		Type:             r.typ,
		Flags:            r.flags,
		Owner:            r.owner,
		Refs:             refs,
		Device:           r.device,
		Accesses:         r.accesses,
		LastAccessMicros: r.lastAccess,
	}
}
