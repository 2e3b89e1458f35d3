package pagetable

import (
	"testing"

	"example.com/hypercore/internal/mm"
)

func newTestAddressSpace(t *testing.T) *AddressSpace {
	t.Helper()
	frames := mm.NewFrameAllocator(0, 4096*mm.PageSize)
	frames.AddFreeRegion(0, 4096*mm.PageSize)
	as, err := NewAddressSpace(1, frames)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

func TestMapTranslateUnmapRoundTrip(t *testing.T) {
	as := newTestAddressSpace(t)

	va := VirtAddr(0x1000)
	pa := mm.PhysAddr(0x2000)

	if err := as.MapPage(va, pa, FlagWrite); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := as.Translate(va)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != pa {
		t.Fatalf("Translate(%#x) = %#x, want %#x", va, got, pa)
	}

	unmapped, err := as.UnmapPage(va)
	if err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	if unmapped != pa {
		t.Fatalf("UnmapPage returned %#x, want %#x", unmapped, pa)
	}

	if _, err := as.Translate(va); err == nil {
		t.Fatal("Translate after Unmap should fail")
	}
}

func TestTranslateWithinPageOffset(t *testing.T) {
	as := newTestAddressSpace(t)

	base := VirtAddr(0x3000)
	pa := mm.PhysAddr(0x4000)
	if err := as.MapPage(base, pa, FlagWrite); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	got, err := as.Translate(base + 0x123)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != pa+0x123 {
		t.Fatalf("Translate(base+0x123) = %#x, want %#x", got, pa+0x123)
	}
}

func TestMapPageAlreadyPresentFails(t *testing.T) {
	as := newTestAddressSpace(t)
	va := VirtAddr(0x5000)

	if err := as.MapPage(va, mm.PhysAddr(0x6000), FlagWrite); err != nil {
		t.Fatalf("first MapPage: %v", err)
	}
	if err := as.MapPage(va, mm.PhysAddr(0x7000), FlagWrite); err == nil {
		t.Fatal("second MapPage at the same va should fail")
	}
}

func TestMapRangeCoversEveryPage(t *testing.T) {
	as := newTestAddressSpace(t)

	va := VirtAddr(0x100000)
	pa := mm.PhysAddr(0x200000)
	size := uint64(4 * mm.PageSize)

	if err := as.MapRange(va, pa, size, FlagWrite); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	for i := uint64(0); i < 4; i++ {
		got, err := as.Translate(va + VirtAddr(i*mm.PageSize))
		if err != nil {
			t.Fatalf("Translate page %d: %v", i, err)
		}
		if want := pa + mm.PhysAddr(i*mm.PageSize); got != want {
			t.Fatalf("page %d translated to %#x, want %#x", i, got, want)
		}
	}
}

func TestProtectPageUpdatesFlags(t *testing.T) {
	as := newTestAddressSpace(t)
	va := VirtAddr(0x8000)

	if err := as.MapPage(va, mm.PhysAddr(0x9000), FlagWrite); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	if err := as.ProtectPage(va, FlagNoExecute); err != nil {
		t.Fatalf("ProtectPage: %v", err)
	}

	leaf, err := as.walkToLeaf(va)
	if err != nil {
		t.Fatalf("walkToLeaf: %v", err)
	}
	if leaf.flags&FlagNoExecute == 0 {
		t.Fatal("expected FlagNoExecute to be set after ProtectPage")
	}
	if leaf.flags&FlagWrite != 0 {
		t.Fatal("ProtectPage should replace flags, not merge with the old write flag")
	}
}

func TestUnmapUnmappedFails(t *testing.T) {
	as := newTestAddressSpace(t)
	if _, err := as.UnmapPage(VirtAddr(0xbadc0de000)); err == nil {
		t.Fatal("UnmapPage of an unmapped va should fail")
	}
}

func TestASIDAndRootAddr(t *testing.T) {
	as := newTestAddressSpace(t)
	if as.ASID() != 1 {
		t.Fatalf("ASID() = %d, want 1", as.ASID())
	}
	if as.RootPhysAddr()%mm.PageSize != 0 {
		t.Fatalf("RootPhysAddr() = %#x is not page-aligned", as.RootPhysAddr())
	}
}
