package mm

import "testing"

func newTestSlabCache(t *testing.T, objectSize int) (*SlabCache, *FrameAllocator) {
	t.Helper()
	fa := newTestFrameAllocator(t, 64)
	cache, err := NewSlabCache(SlabCacheConfig{Name: "test", ObjectSize: objectSize}, fa)
	if err != nil {
		t.Fatalf("NewSlabCache: %v", err)
	}
	return cache, fa
}

func TestSlabAllocateDeallocateRoundTrip(t *testing.T) {
	cache, _ := newTestSlabCache(t, 64)

	addr, err := cache.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	stats := cache.Stats()
	if stats.TotalAllocated != 1 {
		t.Fatalf("TotalAllocated = %d, want 1", stats.TotalAllocated)
	}
	if stats.TotalPages != 1 {
		t.Fatalf("TotalPages = %d, want 1", stats.TotalPages)
	}

	if err := cache.Deallocate(addr); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	stats = cache.Stats()
	if stats.TotalAllocated != 0 {
		t.Fatalf("TotalAllocated after free = %d, want 0", stats.TotalAllocated)
	}
	if stats.FreePages != 1 {
		t.Fatalf("FreePages after freeing the only object = %d, want 1", stats.FreePages)
	}
}

func TestSlabPageListTransitions(t *testing.T) {
	cache, _ := newTestSlabCache(t, 512) // objectsPerPage = PageSize/512 = 8

	var addrs []PhysAddr
	for i := 0; i < 8; i++ {
		addr, err := cache.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}

	stats := cache.Stats()
	if stats.FullPages != 1 || stats.PartialPages != 0 || stats.FreePages != 0 {
		t.Fatalf("after filling the page: %+v", stats)
	}

	if err := cache.Deallocate(addrs[0]); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	stats = cache.Stats()
	if stats.FullPages != 0 || stats.PartialPages != 1 {
		t.Fatalf("after freeing one object from a full page: %+v", stats)
	}

	for _, addr := range addrs[1:] {
		if err := cache.Deallocate(addr); err != nil {
			t.Fatalf("Deallocate: %v", err)
		}
	}
	stats = cache.Stats()
	if stats.FreePages != 1 || stats.PartialPages != 0 {
		t.Fatalf("after freeing every object: %+v", stats)
	}
}

func TestSlabDoubleFreeRejected(t *testing.T) {
	cache, _ := newTestSlabCache(t, 64)

	addr, err := cache.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := cache.Deallocate(addr); err != nil {
		t.Fatalf("first Deallocate: %v", err)
	}
	if err := cache.Deallocate(addr); err == nil {
		t.Fatal("second Deallocate of the same object should fail")
	}
}

func TestSlabShrinkReleasesFreePages(t *testing.T) {
	cache, fa := newTestSlabCache(t, 64)

	addr, err := cache.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := cache.Deallocate(addr); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	statsBefore := fa.Stats()
	freed := cache.Shrink()
	if freed != 1 {
		t.Fatalf("Shrink freed %d pages, want 1", freed)
	}
	statsAfter := fa.Stats()
	if statsAfter.FreeFrames != statsBefore.FreeFrames+1 {
		t.Fatalf("frame allocator free frames did not increase after Shrink: before=%d after=%d", statsBefore.FreeFrames, statsAfter.FreeFrames)
	}
}

func TestSlabRejectsOversizedObject(t *testing.T) {
	fa := newTestFrameAllocator(t, 4)
	if _, err := NewSlabCache(SlabCacheConfig{Name: "huge", ObjectSize: PageSize}, fa); err == nil {
		t.Fatal("object size exceeding PageSize/2 should be rejected")
	}
}
