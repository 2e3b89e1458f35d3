package mm

import (
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/syncutil"
)

// MaxOrder is the largest block order the buddy allocator serves: 2^11
// pages = 8 MiB, per spec §4.2.
const MaxOrder = 11

// buddyMagic validates that a block header wasn't corrupted and catches
// double-frees, mirroring original_source/core/mm/buddy.rs's BuddyBlock
// magic ("BUDDY" with some bits, 0xB0090C47).
const buddyMagic = 0xB0090C47

type buddyBlock struct {
	addr  PhysAddr
	order int
	free  bool
	magic uint32
	prev  *buddyBlock
	next  *buddyBlock
}

// BuddyStats reports the buddy allocator's current occupancy.
type BuddyStats struct {
	TotalMemory        uint64
	AllocatedMemory    uint64
	FreeMemory         uint64
	FreeBlocksPerOrder [MaxOrder + 1]int
	AllocationCount    uint64
	DeallocationCount  uint64
}

// BuddyAllocator is a binary buddy allocator over a power-of-two-sized
// region, grounded on original_source/core/mm/buddy.rs. Where the Rust
// original threads BuddyBlock headers in place at the managed addresses
// via raw pointers, this port keeps block records in a map keyed by
// address — ordinary Go references, since nothing here needs to avoid the
// garbage collector.
type BuddyAllocator struct {
	lock syncutil.SpinLock

	baseAddr  PhysAddr
	totalSize uint64

	freeListHead [MaxOrder + 1]*buddyBlock
	freeListLen  [MaxOrder + 1]int

	blocks map[PhysAddr]*buddyBlock

	allocatedBytes    uint64
	allocationCount   uint64
	deallocationCount uint64
}

// NewBuddyAllocator creates an allocator managing [baseAddr, baseAddr+totalSize).
// totalSize must be a non-zero power of two and baseAddr page-aligned.
func NewBuddyAllocator(baseAddr PhysAddr, totalSize uint64) (*BuddyAllocator, error) {
	if totalSize == 0 || totalSize&(totalSize-1) != 0 {
		return nil, hverr.New(hverr.InvalidArgument, "buddy: size %d is not a non-zero power of two", totalSize)
	}
	if uint64(baseAddr)%PageSize != 0 {
		return nil, hverr.New(hverr.InvalidArgument, "buddy: base address %#x is not page-aligned", baseAddr)
	}

	b := &BuddyAllocator{
		baseAddr:  baseAddr,
		totalSize: totalSize,
		blocks:    make(map[PhysAddr]*buddyBlock),
	}
	b.initializeMemory()
	return b, nil
}

// initializeMemory carves the whole region into the largest possible
// power-of-two blocks and publishes each to its order's free list, mirroring
// the reference allocator's initialize_memory.
func (b *BuddyAllocator) initializeMemory() {
	remaining := b.totalSize
	addr := b.baseAddr

	for remaining > 0 {
		order := 0
		for order < MaxOrder && (uint64(1)<<uint(order+1))*PageSize <= remaining {
			order++
		}
		size := (uint64(1) << uint(order)) * PageSize

		blk := &buddyBlock{addr: addr, order: order, free: true, magic: buddyMagic}
		b.blocks[addr] = blk
		b.pushFront(order, blk)

		addr += PhysAddr(size)
		remaining -= size
	}
}

func (b *BuddyAllocator) pushFront(order int, blk *buddyBlock) {
	blk.free = true
	blk.order = order
	blk.next = b.freeListHead[order]
	blk.prev = nil
	if b.freeListHead[order] != nil {
		b.freeListHead[order].prev = blk
	}
	b.freeListHead[order] = blk
	b.freeListLen[order]++
}

func (b *BuddyAllocator) popFront(order int) *buddyBlock {
	blk := b.freeListHead[order]
	if blk == nil {
		return nil
	}
	b.removeFromList(order, blk)
	return blk
}

func (b *BuddyAllocator) removeFromList(order int, blk *buddyBlock) {
	if blk.prev != nil {
		blk.prev.next = blk.next
	} else {
		b.freeListHead[order] = blk.next
	}
	if blk.next != nil {
		blk.next.prev = blk.prev
	}
	blk.prev = nil
	blk.next = nil
	b.freeListLen[order]--
}

// SizeToOrder returns the smallest order whose block size is >= bytes.
func SizeToOrder(bytes uint64) int {
	pages := (bytes + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	order := 0
	for (uint64(1) << uint(order)) < pages {
		order++
	}
	return order
}

// Allocate returns a block of exactly 2^order pages, splitting a larger
// free block if needed. Splitting always descends into the lower half,
// publishing the upper half to the next order down's free list, matching
// spec §4.2's split tie-break.
func (b *BuddyAllocator) Allocate(order int) (PhysAddr, error) {
	if order < 0 || order > MaxOrder {
		return 0, hverr.New(hverr.InvalidArgument, "buddy: order %d exceeds MaxOrder %d", order, MaxOrder)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	found := -1
	for o := order; o <= MaxOrder; o++ {
		if b.freeListHead[o] != nil {
			found = o
			break
		}
	}
	if found < 0 {
		return 0, hverr.New(hverr.OutOfMemory, "buddy: no free block of order >= %d", order)
	}

	blk := b.popFront(found)
	for blk.order > order {
		half := (uint64(1) << uint(blk.order-1)) * PageSize
		upperAddr := blk.addr + PhysAddr(half)

		upper := &buddyBlock{addr: upperAddr, order: blk.order - 1, magic: buddyMagic}
		b.blocks[upperAddr] = upper
		b.pushFront(blk.order-1, upper)

		blk.order--
	}

	blk.free = false
	b.blocks[blk.addr] = blk
	b.allocatedBytes += (uint64(1) << uint(order)) * PageSize
	b.allocationCount++
	return blk.addr, nil
}

// Deallocate returns a block of the given order to the free lists,
// coalescing with its buddy repeatedly while possible. A magic mismatch or
// an address this allocator never handed out fails with InvalidArgument
// without touching any state; freeing an already-free block is treated the
// same way (double-free detection).
func (b *BuddyAllocator) Deallocate(addr PhysAddr, order int) error {
	if order < 0 || order > MaxOrder {
		return hverr.New(hverr.InvalidArgument, "buddy: order %d exceeds MaxOrder %d", order, MaxOrder)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	blk, present := b.blocks[addr]
	if !present || blk.magic != buddyMagic {
		return hverr.New(hverr.InvalidArgument, "buddy: address %#x is not a block this allocator owns", addr)
	}
	if blk.free {
		return hverr.New(hverr.InvalidArgument, "buddy: double free at %#x", addr)
	}
	if blk.order != order {
		return hverr.New(hverr.InvalidArgument, "buddy: order %d does not match block's actual order %d", order, blk.order)
	}

	b.allocatedBytes -= (uint64(1) << uint(order)) * PageSize
	b.deallocationCount++

	for blk.order < MaxOrder {
		blockSize := (uint64(1) << uint(blk.order)) * PageSize
		offset := uint64(blk.addr - b.baseAddr)
		buddyAddr := b.baseAddr + PhysAddr(offset^blockSize)

		buddy, ok := b.blocks[buddyAddr]
		if !ok || !buddy.free || buddy.order != blk.order {
			break
		}

		b.removeFromList(buddy.order, buddy)
		delete(b.blocks, buddy.addr)
		delete(b.blocks, blk.addr)

		mergedAddr := blk.addr
		if buddyAddr < mergedAddr {
			mergedAddr = buddyAddr
		}
		blk = &buddyBlock{addr: mergedAddr, order: blk.order + 1, magic: buddyMagic}
		b.blocks[mergedAddr] = blk
	}

	b.pushFront(blk.order, blk)
	return nil
}

// Stats reports current buddy allocator occupancy.
func (b *BuddyAllocator) Stats() BuddyStats {
	b.lock.Lock()
	defer b.lock.Unlock()

	stats := BuddyStats{
		TotalMemory:       b.totalSize,
		AllocatedMemory:   b.allocatedBytes,
		FreeMemory:        b.totalSize - b.allocatedBytes,
		AllocationCount:   b.allocationCount,
		DeallocationCount: b.deallocationCount,
	}
	for o := 0; o <= MaxOrder; o++ {
		stats.FreeBlocksPerOrder[o] = b.freeListLen[o]
	}
	return stats
}
