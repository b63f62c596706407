package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/shared/id"
)

const testOwner = id.TaskID(7)

func testConfig() config.MemoryConfig {
	cfg := config.Default().Memory
	cfg.ArenaBytes = 8 << 20
	cfg.WarmPoolPages = 4
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *hal.Host) {
	t.Helper()
	host := hal.NewHost(1)
	return NewManager(testConfig(), host, host), host
}

func TestAllocateRoundsToPageSize(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Allocate(testOwner, 100, TypeData, FlagRead|FlagWrite|FlagCached)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if snap.Size != 4096 {
		t.Fatalf("size = %d, want one page", snap.Size)
	}
	if snap.Address%4096 != 0 {
		t.Fatalf("address %d not page aligned", snap.Address)
	}
	if snap.Owner != testOwner {
		t.Fatalf("owner = %d, want %d", snap.Owner, testOwner)
	}
}

func TestAllocateRejectsWriteExecute(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Allocate(testOwner, 4096, TypeCode, FlagWrite|FlagExecute)
	if !errors.Is(err, ErrInvalidFlags) {
		t.Fatalf("err = %v, want ErrInvalidFlags", err)
	}
	if got := m.Stats().Regions; got != 0 {
		t.Fatalf("regions after rejected allocate = %d, want 0", got)
	}
}

func TestAllocateZeroSize(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Allocate(testOwner, 0, TypeData, FlagRead); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestTypeDrivenFlagDefaults(t *testing.T) {
	m, _ := newTestManager(t)

	code, err := m.Allocate(testOwner, 4096, TypeCode, FlagRead|FlagExecute)
	if err != nil {
		t.Fatalf("Allocate code: %v", err)
	}
	if !code.Flags.Has(FlagPrefetch) {
		t.Fatalf("code flags %v missing prefetch default", code.Flags)
	}

	dev, err := m.Allocate(testOwner, 4096, TypeDevice, FlagRead|FlagWrite|FlagCached|FlagPrefetch)
	if err != nil {
		t.Fatalf("Allocate device: %v", err)
	}
	if dev.Flags.Has(FlagCached) || dev.Flags.Has(FlagPrefetch) {
		t.Fatalf("device flags %v kept cached/prefetch", dev.Flags)
	}
}

func TestHugeRounding(t *testing.T) {
	m, _ := newTestManager(t)
	huge := testConfig().HugePageSize

	// Explicit huge flag on a small ask rounds to the huge granule.
	flagged, err := m.Allocate(testOwner, 4096, TypeData, FlagRead|FlagHuge)
	if err != nil {
		t.Fatalf("Allocate flagged: %v", err)
	}
	if flagged.Size != huge {
		t.Fatalf("size = %d, want huge page %d", flagged.Size, huge)
	}

	// Code at the threshold earns the huge flag from its type defaults.
	big, err := m.Allocate(testOwner, huge, TypeCode, FlagRead|FlagExecute)
	if err != nil {
		t.Fatalf("Allocate big: %v", err)
	}
	if !big.Flags.Has(FlagHuge) {
		t.Fatalf("flags %v missing huge default at threshold", big.Flags)
	}
	if big.Size != huge {
		t.Fatalf("size = %d, want %d", big.Size, huge)
	}
}

func TestAllocationSourceChain(t *testing.T) {
	m, _ := newTestManager(t)
	page := uint64(4096)

	// The warm pool serves the first single-page asks.
	for i := 0; i < 4; i++ {
		if _, err := m.Allocate(testOwner, page, TypeData, FlagRead); err != nil {
			t.Fatalf("warm allocate %d: %v", i, err)
		}
	}
	st := m.Stats()
	if st.Allocations["warm"] != 4 {
		t.Fatalf("warm allocations = %d, want 4", st.Allocations["warm"])
	}

	// Warm pool drained: the next page comes off the bump path.
	if _, err := m.Allocate(testOwner, page, TypeData, FlagRead); err != nil {
		t.Fatalf("bump allocate: %v", err)
	}
	if got := m.Stats().Allocations["bump"]; got != 1 {
		t.Fatalf("bump allocations = %d, want 1", got)
	}

	// A freed two-page region lands in its class bucket and is reused.
	twoPage, err := m.Allocate(testOwner, 2*page, TypeData, FlagRead)
	if err != nil {
		t.Fatalf("two-page allocate: %v", err)
	}
	if err := m.Free(twoPage.ID); err != nil {
		t.Fatalf("free: %v", err)
	}
	reused, err := m.Allocate(testOwner, 2*page, TypeData, FlagRead)
	if err != nil {
		t.Fatalf("class allocate: %v", err)
	}
	if got := m.Stats().Allocations["class"]; got != 1 {
		t.Fatalf("class allocations = %d, want 1", got)
	}
	if reused.Address != twoPage.Address {
		t.Fatalf("class reuse address = %d, want %d", reused.Address, twoPage.Address)
	}

	// A freed three-page region is no bucket size, so it becomes a free
	// extent and satisfies the next first-fit search.
	threePage, err := m.Allocate(testOwner, 3*page, TypeData, FlagRead)
	if err != nil {
		t.Fatalf("three-page allocate: %v", err)
	}
	if err := m.Free(threePage.ID); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := m.Stats().FreeExtents; got != 1 {
		t.Fatalf("free extents = %d, want 1", got)
	}
	if _, err := m.Allocate(testOwner, 3*page, TypeData, FlagRead); err != nil {
		t.Fatalf("extent allocate: %v", err)
	}
	if got := m.Stats().Allocations["extent"]; got != 1 {
		t.Fatalf("extent allocations = %d, want 1", got)
	}

	// Huge pages round-trip through their own pool.
	hugeRegion, err := m.Allocate(testOwner, testConfig().HugePageSize, TypeData, FlagRead)
	if err != nil {
		t.Fatalf("huge allocate: %v", err)
	}
	if err := m.Free(hugeRegion.ID); err != nil {
		t.Fatalf("free huge: %v", err)
	}
	if got := m.Stats().HugePool; got != 1 {
		t.Fatalf("huge pool = %d, want 1", got)
	}
	if _, err := m.Allocate(testOwner, testConfig().HugePageSize, TypeData, FlagRead); err != nil {
		t.Fatalf("huge reallocate: %v", err)
	}
	if got := m.Stats().Allocations["huge"]; got != 1 {
		t.Fatalf("huge allocations = %d, want 1", got)
	}
}

func TestFreeRoundTripUsesFastPath(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Allocate(testOwner, 8192, TypeData, FlagRead|FlagWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.Free(snap.ID); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := m.Allocate(testOwner, 8192, TypeData, FlagRead|FlagWrite); err != nil {
		t.Fatalf("reallocate after free: %v", err)
	}
	if got := m.Stats().Allocations["class"]; got != 1 {
		t.Fatalf("reallocate took a slow path, class allocations = %d", got)
	}
}

func TestFreeUnknownRegion(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Free(id.RegionID(99999)); !errors.Is(err, ErrRegionNotFound) {
		t.Fatalf("err = %v, want ErrRegionNotFound", err)
	}
}

func TestShareRequiresSharedType(t *testing.T) {
	m, _ := newTestManager(t)
	data, err := m.Allocate(testOwner, 4096, TypeData, FlagRead)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	before := m.Stats().Regions

	_, err = m.Share(data.ID, id.TaskID(8), FlagRead)
	if !errors.Is(err, ErrInvalidRegionType) {
		t.Fatalf("err = %v, want ErrInvalidRegionType", err)
	}
	if got := m.Stats().Regions; got != before {
		t.Fatalf("regions = %d after failed share, want %d", got, before)
	}
}

func TestShareAliasesOneSlot(t *testing.T) {
	m, _ := newTestManager(t)
	src, err := m.Allocate(testOwner, 4096, TypeShared, FlagRead|FlagWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	alias, err := m.Share(src.ID, id.TaskID(8), FlagRead)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if alias.ID == src.ID {
		t.Fatal("alias did not get a fresh region id")
	}
	if alias.Address != src.Address {
		t.Fatalf("alias address = %d, want the shared slot %d", alias.Address, src.Address)
	}
	if alias.Refs != 2 {
		t.Fatalf("refs = %d, want 2", alias.Refs)
	}
	if alias.Owner != id.TaskID(8) {
		t.Fatalf("alias owner = %d, want 8", alias.Owner)
	}

	// Freeing one descriptor keeps the backing alive for the other.
	if err := m.Free(alias.ID); err != nil {
		t.Fatalf("free alias: %v", err)
	}
	if got := m.Stats().Slots; got != 1 {
		t.Fatalf("slots = %d after alias free, want 1", got)
	}
	if err := m.Write(src.ID, 0, []byte("still alive")); err != nil {
		t.Fatalf("write after alias free: %v", err)
	}

	if err := m.Free(src.ID); err != nil {
		t.Fatalf("free source: %v", err)
	}
	if got := m.Stats().Slots; got != 0 {
		t.Fatalf("slots = %d after final free, want 0", got)
	}
}

func TestMapDeviceValidation(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.MapDevice(testOwner, 0, 4096, FlagRead); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("zero address err = %v, want ErrInvalidAddress", err)
	}
	if _, err := m.MapDevice(testOwner, 0x1001, 4096, FlagRead); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("unaligned address err = %v, want ErrInvalidAddress", err)
	}

	snap, err := m.MapDevice(testOwner, 0xFE000000, 100, FlagRead|FlagWrite|FlagCached)
	if err != nil {
		t.Fatalf("MapDevice: %v", err)
	}
	if snap.Type != TypeDevice || !snap.Device {
		t.Fatalf("snapshot %+v is not a device region", snap)
	}
	if snap.Size != 4096 {
		t.Fatalf("size = %d, want page rounded", snap.Size)
	}
	if snap.Flags.Has(FlagCached) {
		t.Fatalf("device flags %v kept cached", snap.Flags)
	}
	if snap.Address != 0xFE000000 {
		t.Fatalf("address = %#x, want the caller's physical address", snap.Address)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Allocate(testOwner, 4096, TypeData, FlagRead|FlagWrite|FlagCached)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	payload := []byte("kernel bytes")
	if err := m.Write(snap.ID, 128, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(snap.ID, 128, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}

	if _, err := m.Read(snap.ID, 4090, 100); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("out of bounds read err = %v, want ErrInvalidAddress", err)
	}
	if err := m.Write(snap.ID, 4096, []byte{1}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("out of bounds write err = %v, want ErrInvalidAddress", err)
	}
}

func TestWriteRequiresWriteFlag(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Allocate(testOwner, 4096, TypeData, FlagRead)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.Write(snap.ID, 0, []byte{1}); !errors.Is(err, ErrInvalidFlags) {
		t.Fatalf("err = %v, want ErrInvalidFlags", err)
	}
}

func TestWriteUncachedFlushesLines(t *testing.T) {
	m, host := newTestManager(t)
	dev, err := m.MapDevice(testOwner, 0x10000, 4096, FlagRead|FlagWrite)
	if err != nil {
		t.Fatalf("MapDevice: %v", err)
	}

	before := host.FlushedLines()
	data := make([]byte, 200)
	if err := m.Write(dev.ID, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	flushed := host.FlushedLines() - before
	want := uint64(200+63) / 64
	if flushed != want {
		t.Fatalf("flushed %d lines, want %d", flushed, want)
	}
}

func TestCopyRegion(t *testing.T) {
	m, _ := newTestManager(t)
	src, err := m.Allocate(testOwner, 4096, TypeShared, FlagRead|FlagWrite|FlagCached)
	if err != nil {
		t.Fatalf("Allocate src: %v", err)
	}
	dst, err := m.Allocate(testOwner, 4096, TypeData, FlagRead|FlagWrite|FlagCached)
	if err != nil {
		t.Fatalf("Allocate dst: %v", err)
	}

	pattern := bytes.Repeat([]byte{0xAB, 0xCD}, 2048)
	if err := m.Write(src.ID, 0, pattern); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.CopyRegion(dst.ID, src.ID); err != nil {
		t.Fatalf("CopyRegion: %v", err)
	}
	got, err := m.Read(dst.ID, 0, 4096)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatal("copied bytes differ from source")
	}
}

func TestCopyRegionSizeCheck(t *testing.T) {
	m, _ := newTestManager(t)
	src, _ := m.Allocate(testOwner, 8192, TypeData, FlagRead)
	dst, _ := m.Allocate(testOwner, 4096, TypeData, FlagRead|FlagWrite)

	if err := m.CopyRegion(dst.ID, src.ID); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestMappingFailureRollsBack(t *testing.T) {
	m, host := newTestManager(t)
	injected := errors.New("tlb shootdown")
	host.FailMappings(injected)

	_, err := m.Allocate(testOwner, 4096, TypeData, FlagRead)
	if !errors.Is(err, ErrMappingFailed) {
		t.Fatalf("err = %v, want ErrMappingFailed", err)
	}
	st := m.Stats()
	if st.Regions != 0 || st.UsedBytes != 0 {
		t.Fatalf("failed allocate leaked state: %+v", st)
	}

	host.FailMappings(nil)
	if _, err := m.Allocate(testOwner, 4096, TypeData, FlagRead); err != nil {
		t.Fatalf("allocate after recovery: %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	cfg := testConfig()
	cfg.ArenaBytes = 16 * 4096
	cfg.WarmPoolPages = 0
	host := hal.NewHost(1)
	m := NewManager(cfg, host, host)

	if _, err := m.Allocate(testOwner, cfg.ArenaBytes+4096, TypeData, FlagRead); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
	if got := m.Stats().OOMCount; got != 1 {
		t.Fatalf("oom count = %d, want 1", got)
	}
}

func TestPrefetchHintsForHotRegions(t *testing.T) {
	m, host := newTestManager(t)
	snap, err := m.Allocate(testOwner, 4096, TypeCode, FlagRead|FlagExecute)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	before := host.PrefetchHints()
	for i := 0; i < 16; i++ {
		if _, err := m.Read(snap.ID, 0, 64); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}
	if host.PrefetchHints() == before {
		t.Fatal("hot region reads issued no prefetch hints")
	}
}

func TestTaskUsage(t *testing.T) {
	m, _ := newTestManager(t)
	other := id.TaskID(99)
	m.Allocate(testOwner, 4096, TypeData, FlagRead)
	m.Allocate(testOwner, 8192, TypeData, FlagRead)
	m.Allocate(other, 4096, TypeData, FlagRead)

	if got := m.TaskUsage(testOwner); got != 12288 {
		t.Fatalf("usage = %d, want 12288", got)
	}
	if got := m.TaskUsage(other); got != 4096 {
		t.Fatalf("other usage = %d, want 4096", got)
	}
	if got := m.TaskUsage(id.TaskID(12345)); got != 0 {
		t.Fatalf("unknown owner usage = %d, want 0", got)
	}
}

func TestRegionsSnapshotOrdered(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 4; i++ {
		if _, err := m.Allocate(testOwner, 4096, TypeData, FlagRead); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	regions := m.Regions()
	if len(regions) != 4 {
		t.Fatalf("len = %d, want 4", len(regions))
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].ID >= regions[i].ID {
			t.Fatal("regions not ordered by id")
		}
	}

	if _, ok := m.Region(regions[0].ID); !ok {
		t.Fatal("Region lookup failed for a tracked id")
	}
	if _, ok := m.Region(id.RegionID(777777)); ok {
		t.Fatal("Region lookup succeeded for an unknown id")
	}
}
