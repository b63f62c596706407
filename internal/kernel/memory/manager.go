package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/shared/id"
)

// PageMapper performs the platform mapping steps behind allocation,
// sharing, and device windows, plus the cache hint operations. hal.Host
// satisfies it; tests substitute counting or failing fakes.
type PageMapper interface {
	MapPages(addr, size uint64, flags uint8) error
	UnmapPages(addr, size uint64) error
	MapShared(addr, size uint64, flags uint8) error
	MapDevice(phys, size uint64, flags uint8) error
	Prefetch(addr, size uint64)
	FlushLine(addr uint64)
}

// slot is one refcounted backing reservation in the arena. Multiple
// region descriptors may reference the same slot; the reservation is
// reclaimed when the last reference is freed.
type slot struct {
	addr uint64
	size uint64
	refs uint32
}

// Stats is the manager's pool and counter snapshot.
type Stats struct {
	ArenaBytes  uint64            `json:"arena_bytes"`
	UsedBytes   uint64            `json:"used_bytes"`
	Regions     int               `json:"regions"`
	Slots       int               `json:"slots"`
	WarmPool    int               `json:"warm_pool"`
	ClassPages  int               `json:"class_pages"`
	HugePool    int               `json:"huge_pool"`
	FreeExtents int               `json:"free_extents"`
	Allocations map[string]uint64 `json:"allocations_by_source"`
	Frees       uint64            `json:"frees"`
	OOMCount    uint64            `json:"oom_count"`
}

// Manager owns the arena, every region descriptor, and the refcounted
// backing slots. One lock serializes mutators; stats and lookups take
// the shared side. No lock is held across a call into another component.
type Manager struct {
	mu     sync.RWMutex
	clock  hal.Clock
	mapper PageMapper

	pageSize      uint64
	hugeSize      uint64
	hugeThreshold uint64
	cacheLine     uint64

	// Protected by mu
	arena    *arena
	regions  map[id.RegionID]*region
	slots    map[uint32]*slot
	nextSlot uint32
	allocs   map[string]uint64
	frees    uint64
	oom      uint64

	metrics *monitoring.Metrics
}

// NewManager creates a manager over a fresh arena. The configuration is
// structural and fixed for the manager's lifetime.
func NewManager(cfg config.MemoryConfig, clock hal.Clock, mapper PageMapper) *Manager {
	return &Manager{
		clock:         clock,
		mapper:        mapper,
		pageSize:      cfg.PageSize,
		hugeSize:      cfg.HugePageSize,
		hugeThreshold: cfg.HugeThresholdBytes,
		cacheLine:     cfg.CacheLineSize,
		arena:         newArena(cfg.ArenaBytes, cfg.PageSize, cfg.HugePageSize, cfg.WarmPoolPages),
		regions:       make(map[id.RegionID]*region),
		slots:         make(map[uint32]*slot),
		nextSlot:      1,
		allocs:        make(map[string]uint64),
	}
}

// WithMetrics attaches metrics collection.
func (m *Manager) WithMetrics(mm *monitoring.Metrics) *Manager {
	m.metrics = mm
	return m
}

// PageSize returns the configured page size.
func (m *Manager) PageSize() uint64 { return m.pageSize }

// Allocate reserves a region for owner. Size is rounded to a page
// multiple, or a huge-page multiple when the huge flag is set or the size
// crosses the huge threshold. Write and Execute together are rejected
// before any state changes.
func (m *Manager) Allocate(owner id.TaskID, size uint64, typ Type, flags Flags) (RegionSnapshot, error) {
	if size == 0 {
		return RegionSnapshot{}, ErrInvalidAddress
	}
	if !typ.Valid() {
		return RegionSnapshot{}, ErrInvalidRegionType
	}
	if flags.Has(FlagWrite | FlagExecute) {
		return RegionSnapshot{}, ErrInvalidFlags
	}
	flags = m.applyDefaults(typ, flags, size)

	granule := m.pageSize
	if flags.Has(FlagHuge) || size >= m.hugeThreshold {
		granule = m.hugeSize
	}
	rounded := alignUp(size, granule)

	m.mu.Lock()
	defer m.mu.Unlock()

	addr, source, ok := m.arena.alloc(rounded)
	if !ok {
		m.oom++
		if m.metrics != nil {
			m.metrics.RecordOOM()
		}
		return RegionSnapshot{}, ErrOutOfMemory
	}
	if err := m.mapRegion(typ, addr, rounded, flags); err != nil {
		m.arena.release(addr, rounded)
		return RegionSnapshot{}, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}
	clear(m.arena.data[addr : addr+rounded])

	sl := &slot{addr: addr, size: rounded, refs: 1}
	slotID := m.nextSlot
	m.nextSlot++
	m.slots[slotID] = sl

	r := &region{
		id:    id.NewRegionID(),
		slot:  slotID,
		addr:  addr,
		size:  rounded,
		typ:   typ,
		flags: flags,
		owner: owner,
	}
	m.regions[r.id] = r
	m.allocs[source]++
	if m.metrics != nil {
		m.metrics.RecordAllocation(source)
	}
	m.publishGaugesLocked()
	return r.snapshot(1), nil
}

// Free releases one region descriptor. The backing slot is unmapped and
// returned to the arena only when its last reference goes away.
func (m *Manager) Free(regionID id.RegionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[regionID]
	if !ok {
		return ErrRegionNotFound
	}
	if r.device {
		if err := m.mapper.UnmapPages(r.addr, r.size); err != nil {
			return fmt.Errorf("%w: %v", ErrMappingFailed, err)
		}
		delete(m.regions, regionID)
		m.frees++
		if m.metrics != nil {
			m.metrics.RecordFree()
		}
		m.publishGaugesLocked()
		return nil
	}

	sl := m.slots[r.slot]
	if sl.refs == 1 {
		if err := m.mapper.UnmapPages(sl.addr, sl.size); err != nil {
			return fmt.Errorf("%w: %v", ErrMappingFailed, err)
		}
		m.arena.release(sl.addr, sl.size)
		delete(m.slots, r.slot)
	} else {
		sl.refs--
	}
	delete(m.regions, regionID)
	m.frees++
	if m.metrics != nil {
		m.metrics.RecordFree()
	}
	m.publishGaugesLocked()
	return nil
}

// Share creates an aliasing descriptor over a Shared region's slot for
// the target task. Nothing registers when the mapping step fails.
func (m *Manager) Share(regionID id.RegionID, target id.TaskID, flags Flags) (RegionSnapshot, error) {
	if flags.Has(FlagWrite | FlagExecute) {
		return RegionSnapshot{}, ErrInvalidFlags
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[regionID]
	if !ok {
		return RegionSnapshot{}, ErrRegionNotFound
	}
	if r.typ != TypeShared {
		return RegionSnapshot{}, ErrInvalidRegionType
	}
	sl := m.slots[r.slot]
	if err := m.mapper.MapShared(sl.addr, sl.size, uint8(flags)); err != nil {
		return RegionSnapshot{}, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}
	sl.refs++

	alias := &region{
		id:    id.NewRegionID(),
		slot:  r.slot,
		addr:  sl.addr,
		size:  sl.size,
		typ:   TypeShared,
		flags: flags,
		owner: target,
	}
	m.regions[alias.id] = alias
	m.publishGaugesLocked()
	return alias.snapshot(sl.refs), nil
}

// MapDevice builds a Device region at a caller-specified physical
// address. There is no allocation search; the window is backed privately
// and mapped uncached and unprefetched.
func (m *Manager) MapDevice(owner id.TaskID, phys, size uint64, flags Flags) (RegionSnapshot, error) {
	if phys == 0 || phys%m.pageSize != 0 || size == 0 {
		return RegionSnapshot{}, ErrInvalidAddress
	}
	if flags.Has(FlagWrite | FlagExecute) {
		return RegionSnapshot{}, ErrInvalidFlags
	}
	flags &^= FlagCached | FlagPrefetch
	rounded := alignUp(size, m.pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mapper.MapDevice(phys, rounded, uint8(flags)); err != nil {
		return RegionSnapshot{}, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}
	r := &region{
		id:     id.NewRegionID(),
		addr:   phys,
		size:   rounded,
		typ:    TypeDevice,
		flags:  flags,
		owner:  owner,
		device: true,
		devBuf: make([]byte, rounded),
	}
	m.regions[r.id] = r
	m.publishGaugesLocked()
	return r.snapshot(1), nil
}

// Read copies length bytes out of a region. Accesses feed the hot-region
// tracker, which earns look-ahead prefetch hints.
func (m *Manager) Read(regionID id.RegionID, offset, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[regionID]
	if !ok {
		return nil, ErrRegionNotFound
	}
	if !r.flags.Has(FlagRead) {
		return nil, ErrInvalidFlags
	}
	if offset > r.size || length > r.size-offset {
		return nil, ErrInvalidAddress
	}
	m.touchLocked(r)
	out := make([]byte, length)
	copy(out, m.backingLocked(r)[offset:offset+length])
	m.prefetchLocked(r, offset+length)
	return out, nil
}

// Write copies bytes into a region. Uncached destinations get their
// lines flushed so the bytes are visible to hardware immediately.
func (m *Manager) Write(regionID id.RegionID, offset uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[regionID]
	if !ok {
		return ErrRegionNotFound
	}
	if !r.flags.Has(FlagWrite) {
		return ErrInvalidFlags
	}
	n := uint64(len(data))
	if offset > r.size || n > r.size-offset {
		return ErrInvalidAddress
	}
	m.touchLocked(r)
	copy(m.backingLocked(r)[offset:offset+n], data)
	if !r.flags.Has(FlagCached) {
		m.flushLinesLocked(r.addr+offset, n)
	}
	return nil
}

// CopyRegion copies src's bytes into dst a cache line at a time, with
// two lines of source look-ahead prefetch. Uncached destinations are
// flushed at completion for device and DMA visibility.
func (m *Manager) CopyRegion(dstID, srcID id.RegionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst, ok := m.regions[dstID]
	if !ok {
		return ErrRegionNotFound
	}
	src, ok := m.regions[srcID]
	if !ok {
		return ErrRegionNotFound
	}
	if !src.flags.Has(FlagRead) || !dst.flags.Has(FlagWrite) {
		return ErrInvalidFlags
	}
	if dst.size < src.size {
		return ErrInvalidAddress
	}
	m.touchLocked(src)
	m.touchLocked(dst)

	sb := m.backingLocked(src)
	db := m.backingLocked(dst)
	for off := uint64(0); off < src.size; off += m.cacheLine {
		if ahead := off + 2*m.cacheLine; ahead < src.size {
			m.mapper.Prefetch(src.addr+ahead, m.cacheLine)
		}
		end := off + m.cacheLine
		if end > src.size {
			end = src.size
		}
		copy(db[off:end], sb[off:end])
	}
	if !dst.flags.Has(FlagCached) {
		m.flushLinesLocked(dst.addr, src.size)
	}
	return nil
}

// Region returns a snapshot of one descriptor.
func (m *Manager) Region(regionID id.RegionID) (RegionSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[regionID]
	if !ok {
		return RegionSnapshot{}, false
	}
	return r.snapshot(m.refsLocked(r)), true
}

// Regions returns snapshots of every descriptor, ordered by id.
func (m *Manager) Regions() []RegionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RegionSnapshot, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r.snapshot(m.refsLocked(r)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TaskUsage sums the region bytes owned by one task. Aliased slots count
// once per descriptor, reflecting each owner's view.
func (m *Manager) TaskUsage(owner id.TaskID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, r := range m.regions {
		if r.owner == owner {
			total += r.size
		}
	}
	return total
}

// Stats returns the arena and counter snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allocs := make(map[string]uint64, len(m.allocs))
	for k, v := range m.allocs {
		allocs[k] = v
	}
	return Stats{
		ArenaBytes:  uint64(len(m.arena.data)),
		UsedBytes:   m.arena.used,
		Regions:     len(m.regions),
		Slots:       len(m.slots),
		WarmPool:    len(m.arena.warm),
		ClassPages:  m.arena.classPages(),
		HugePool:    len(m.arena.hugePool),
		FreeExtents: len(m.arena.extents),
		Allocations: allocs,
		Frees:       m.frees,
		OOMCount:    m.oom,
	}
}

// applyDefaults applies the type-driven flag defaults. Code, Stack, and
// Kernel regions favor prefetching and huge pages; Device regions must
// not be cached or prefetched.
func (m *Manager) applyDefaults(typ Type, f Flags, size uint64) Flags {
	switch typ {
	case TypeCode, TypeStack, TypeKernel:
		f |= FlagPrefetch
		if size >= m.hugeThreshold {
			f |= FlagHuge
		}
	case TypeDevice:
		f &^= FlagCached | FlagPrefetch
	}
	return f
}

// mapRegion performs the platform mapping appropriate to the type.
func (m *Manager) mapRegion(typ Type, addr, size uint64, flags Flags) error {
	switch typ {
	case TypeShared:
		return m.mapper.MapShared(addr, size, uint8(flags))
	case TypeDevice:
		return m.mapper.MapDevice(addr, size, uint8(flags))
	default:
		return m.mapper.MapPages(addr, size, uint8(flags))
	}
}

func (m *Manager) refsLocked(r *region) uint32 {
	if r.device {
		return 1
	}
	return m.slots[r.slot].refs
}

func (m *Manager) backingLocked(r *region) []byte {
	if r.device {
		return r.devBuf
	}
	return m.arena.data[r.addr : r.addr+r.size]
}

func (m *Manager) touchLocked(r *region) {
	r.accesses++
	r.lastAccess = m.clock.NowMicros()
}

// prefetchLocked issues a look-ahead hint past the accessed range, one
// cache line per eight recorded accesses, capped at four lines.
func (m *Manager) prefetchLocked(r *region, from uint64) {
	if !r.flags.Has(FlagPrefetch) || from >= r.size {
		return
	}
	lines := r.accesses / 8
	if lines == 0 {
		return
	}
	if lines > 4 {
		lines = 4
	}
	span := lines * m.cacheLine
	if from+span > r.size {
		span = r.size - from
	}
	m.mapper.Prefetch(r.addr+from, span)
}

func (m *Manager) flushLinesLocked(addr, n uint64) {
	if n == 0 {
		return
	}
	start := addr / m.cacheLine * m.cacheLine
	for line := start; line < addr+n; line += m.cacheLine {
		m.mapper.FlushLine(line)
	}
}

func (m *Manager) publishGaugesLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetMemoryUsed(m.arena.used)
	m.metrics.SetMemoryRegions(len(m.regions))
}
