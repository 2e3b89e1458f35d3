package mm

import (
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/syncutil"
)

// objectMagic is the slab object's corruption/double-free marker. It is
// flipped to its complement on allocation and back on deallocation,
// matching original_source/core/mm/slab.rs's SlabObject.magic scheme.
const objectMagic uint64 = 0x4F424A4D41474943 // "OBJMAGIC"

type slabObject struct {
	magic uint64
}

// slabPage is one PageSize page backing a run of fixed-size objects for a
// SlabCache. freeList holds the indices of currently-free objects.
type slabPage struct {
	frameAddr PhysAddr
	inuse     int
	total     int
	objects   []slabObject
	freeList  []int
}

// SlabStats reports a cache's current occupancy.
type SlabStats struct {
	Name            string
	ObjectSize      int
	TotalAllocated  uint64
	FreeObjects     uint64
	TotalPages      uint64
	ObjectsPerPage  int
	PartialPages    int
	FreePages       int
	FullPages       int
}

// SlabCache is a fixed-size-class object allocator backed by pages drawn
// from a FrameAllocator, grounded on original_source/core/mm/slab.rs. The
// reference implementation threads SlabObject headers directly through a
// byte buffer at the frame's physical address; this cache writes no headers
// into page bytes (it does not use mm.Memory), so objects are addressed by
// (page, index) and a PhysAddr is synthesized only as an opaque handle
// callers pass back to Deallocate.
type SlabCache struct {
	lock syncutil.SpinLock

	name           string
	objectSize     int
	alignment      int
	objectsPerPage int

	frames *FrameAllocator

	partialPages []*slabPage
	freePages    []*slabPage
	fullPages    []*slabPage

	pageByFrame map[PhysAddr]*slabPage

	totalAllocated uint64
	freeObjects    uint64
	totalPages     uint64
}

// SlabCacheConfig configures a new cache.
type SlabCacheConfig struct {
	Name       string
	ObjectSize int
	Alignment  int
}

// NewSlabCache creates a cache for ObjectSize-byte objects backed by pages
// drawn from frames. ObjectSize must leave room for at least one object
// per page after the header; alignment defaults to 8 if zero.
func NewSlabCache(cfg SlabCacheConfig, frames *FrameAllocator) (*SlabCache, error) {
	if cfg.ObjectSize <= 0 {
		return nil, hverr.New(hverr.InvalidArgument, "slab: object size must be positive")
	}
	if cfg.ObjectSize > PageSize/2 {
		return nil, hverr.New(hverr.InvalidArgument, "slab %q: object size %d exceeds PageSize/2", cfg.Name, cfg.ObjectSize)
	}
	alignment := cfg.Alignment
	if alignment == 0 {
		alignment = 8
	}

	alignedSize := alignUpTo(cfg.ObjectSize, alignment)
	objectsPerPage := PageSize / alignedSize
	if objectsPerPage == 0 {
		return nil, hverr.New(hverr.InvalidArgument, "slab %q: object too large for a page", cfg.Name)
	}

	return &SlabCache{
		name:           cfg.Name,
		objectSize:     cfg.ObjectSize,
		alignment:      alignment,
		objectsPerPage: objectsPerPage,
		frames:         frames,
		pageByFrame:    make(map[PhysAddr]*slabPage),
	}, nil
}

func alignUpTo(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Allocate returns an opaque handle for a free object, pulling from a
// partial page first, then a free page, then requesting a fresh frame.
func (c *SlabCache) Allocate() (PhysAddr, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if n := len(c.partialPages); n > 0 {
		page := c.partialPages[n-1]
		c.partialPages = c.partialPages[:n-1]
		return c.allocateFromPage(page)
	}
	if n := len(c.freePages); n > 0 {
		page := c.freePages[n-1]
		c.freePages = c.freePages[:n-1]
		return c.allocateFromPage(page)
	}
	return c.allocateNewPage()
}

func (c *SlabCache) allocateNewPage() (PhysAddr, error) {
	frameAddr, ok := c.frames.AllocateFrame()
	if !ok {
		return 0, hverr.New(hverr.OutOfMemory, "slab %q: backing frame allocator exhausted", c.name)
	}

	page := &slabPage{
		frameAddr: frameAddr,
		total:     c.objectsPerPage,
		objects:   make([]slabObject, c.objectsPerPage),
		freeList:  make([]int, c.objectsPerPage),
	}
	for i := range page.objects {
		page.objects[i].magic = objectMagic
		page.freeList[i] = c.objectsPerPage - 1 - i
	}
	c.pageByFrame[frameAddr] = page
	c.totalPages++
	c.freeObjects += uint64(c.objectsPerPage)

	return c.allocateFromPage(page)
}

func (c *SlabCache) allocateFromPage(page *slabPage) (PhysAddr, error) {
	if len(page.freeList) == 0 {
		return 0, hverr.New(hverr.OutOfMemory, "slab %q: page at %#x reports free objects but its free list is empty", c.name, page.frameAddr)
	}

	n := len(page.freeList)
	index := page.freeList[n-1]
	page.freeList = page.freeList[:n-1]

	page.objects[index].magic = ^objectMagic
	page.inuse++
	c.totalAllocated++
	if c.freeObjects > 0 {
		c.freeObjects--
	}

	switch {
	case page.inuse == page.total:
		c.fullPages = append(c.fullPages, page)
	default:
		c.partialPages = append(c.partialPages, page)
	}

	return c.objectAddr(page, index), nil
}

func (c *SlabCache) objectAddr(page *slabPage, index int) PhysAddr {
	alignedSize := alignUpTo(c.objectSize, c.alignment)
	return page.frameAddr + PhysAddr(index*alignedSize)
}

// Deallocate returns an object handle from Allocate to the cache. It
// validates the object's magic to catch double-frees and pointers this
// cache never issued.
func (c *SlabCache) Deallocate(addr PhysAddr) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	alignedSize := alignUpTo(c.objectSize, c.alignment)
	frameAddr := PhysAddr(AlignDown(uint64(addr)))
	page, ok := c.pageByFrame[frameAddr]
	if !ok {
		return hverr.New(hverr.InvalidArgument, "slab %q: address %#x is not in a page owned by this cache", c.name, addr)
	}

	offset := int(addr - frameAddr)
	if offset%alignedSize != 0 {
		return hverr.New(hverr.InvalidArgument, "slab %q: address %#x is not object-aligned", c.name, addr)
	}
	index := offset / alignedSize
	if index < 0 || index >= page.total {
		return hverr.New(hverr.InvalidArgument, "slab %q: address %#x is out of page bounds", c.name, addr)
	}

	if page.objects[index].magic != ^objectMagic {
		return hverr.New(hverr.InvalidArgument, "slab %q: double free or corrupted object at %#x", c.name, addr)
	}
	page.objects[index].magic = objectMagic

	wasFull := page.inuse == page.total
	page.inuse--
	page.freeList = append(page.freeList, index)
	c.totalAllocated--
	c.freeObjects++

	if wasFull {
		c.removePage(&c.fullPages, page)
	} else {
		c.removePage(&c.partialPages, page)
	}

	if page.inuse == 0 {
		c.freePages = append(c.freePages, page)
	} else {
		c.partialPages = append(c.partialPages, page)
	}
	return nil
}

func (c *SlabCache) removePage(list *[]*slabPage, page *slabPage) {
	for i, p := range *list {
		if p == page {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// Shrink releases every completely-free page back to the frame allocator
// and reports how many pages were freed.
func (c *SlabCache) Shrink() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	freed := len(c.freePages)
	for _, page := range c.freePages {
		delete(c.pageByFrame, page.frameAddr)
		c.frames.DeallocateFrame(page.frameAddr)
	}
	c.freePages = nil
	c.totalPages -= uint64(freed)
	return freed
}

// Stats reports the cache's current occupancy.
func (c *SlabCache) Stats() SlabStats {
	c.lock.Lock()
	defer c.lock.Unlock()
	return SlabStats{
		Name:           c.name,
		ObjectSize:     c.objectSize,
		TotalAllocated: c.totalAllocated,
		FreeObjects:    c.freeObjects,
		TotalPages:     c.totalPages,
		ObjectsPerPage: c.objectsPerPage,
		PartialPages:   len(c.partialPages),
		FreePages:      len(c.freePages),
		FullPages:      len(c.fullPages),
	}
}
