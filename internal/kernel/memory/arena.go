package memory

// extent is one contiguous free range in the arena.
type extent struct {
	addr uint64
	size uint64
}

// arena carves a contiguous byte range into page-multiple allocations.
// Sources are tried in order of expected latency: the pre-warmed
// single-page pool, exact-size class buckets, the huge-page pool, a
// first-fit search over freed extents, and finally bump allocation off
// the high-water mark. The manager's lock serializes access.
type arena struct {
	data     []byte
	pageSize uint64
	hugeSize uint64
	next     uint64
	used     uint64

	warm       []uint64
	warmCap    int
	classSizes []uint64
	classes    map[uint64][]uint64
	hugePool   []uint64
	extents    []extent
}

// classMultiples are the page multiples served by exact-size buckets.
// Single pages go through the warm pool instead.
var classMultiples = []uint64{2, 4, 8, 16}

func newArena(arenaBytes, pageSize, hugeSize uint64, warmPages int) *arena {
	a := &arena{
		data:     make([]byte, arenaBytes),
		pageSize: pageSize,
		hugeSize: hugeSize,
		warmCap:  warmPages,
		classes:  make(map[uint64][]uint64, len(classMultiples)),
	}
	for _, mult := range classMultiples {
		s := pageSize * mult
		a.classSizes = append(a.classSizes, s)
		a.classes[s] = nil
	}
	// Warm the single-page pool up front so the first small allocations
	// never hit the slow paths.
	for i := 0; i < warmPages; i++ {
		addr, ok := a.bump(pageSize)
		if !ok {
			break
		}
		a.warm = append(a.warm, addr)
	}
	return a
}

// alloc reserves size bytes (already rounded to a page or huge-page
// multiple) and reports the source that satisfied it.
func (a *arena) alloc(size uint64) (uint64, string, bool) {
	if size == a.pageSize {
		if n := len(a.warm); n > 0 {
			addr := a.warm[n-1]
			a.warm = a.warm[:n-1]
			a.used += size
			return addr, "warm", true
		}
	}
	if bucket, ok := a.classes[size]; ok {
		if n := len(bucket); n > 0 {
			addr := bucket[n-1]
			a.classes[size] = bucket[:n-1]
			a.used += size
			return addr, "class", true
		}
	}
	if size == a.hugeSize {
		if n := len(a.hugePool); n > 0 {
			addr := a.hugePool[n-1]
			a.hugePool = a.hugePool[:n-1]
			a.used += size
			return addr, "huge", true
		}
	}
	for i, e := range a.extents {
		if e.size >= size {
			addr := e.addr
			if e.size == size {
				a.extents = append(a.extents[:i], a.extents[i+1:]...)
			} else {
				a.extents[i] = extent{addr: e.addr + size, size: e.size - size}
			}
			a.used += size
			return addr, "extent", true
		}
	}
	if addr, ok := a.bump(size); ok {
		a.used += size
		return addr, "bump", true
	}
	return 0, "", false
}

// release returns a reservation to the cheapest pool its size fits.
func (a *arena) release(addr, size uint64) {
	a.used -= size
	if size == a.pageSize && len(a.warm) < a.warmCap {
		a.warm = append(a.warm, addr)
		return
	}
	if _, ok := a.classes[size]; ok {
		a.classes[size] = append(a.classes[size], addr)
		return
	}
	if size == a.hugeSize {
		a.hugePool = append(a.hugePool, addr)
		return
	}
	a.extents = append(a.extents, extent{addr: addr, size: size})
}

// bump carves off the high-water mark. Huge-page-multiple sizes are
// aligned to the huge-page boundary; the alignment gap becomes a free
// extent. Nothing mutates on failure.
func (a *arena) bump(size uint64) (uint64, bool) {
	addr := a.next
	var gap uint64
	if size >= a.hugeSize {
		aligned := alignUp(addr, a.hugeSize)
		gap = aligned - addr
		addr = aligned
	}
	end := addr + size
	if end < addr || end > uint64(len(a.data)) {
		return 0, false
	}
	if gap > 0 {
		a.extents = append(a.extents, extent{addr: a.next, size: gap})
	}
	a.next = end
	return addr, true
}

// classPages counts addresses parked across every class bucket.
func (a *arena) classPages() int {
	n := 0
	for _, bucket := range a.classes {
		n += len(bucket)
	}
	return n
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
