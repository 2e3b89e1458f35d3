package mm

import (
	"example.com/hypercore/internal/bitset"
	"example.com/hypercore/internal/syncutil"
)

// FrameStats reports the frame allocator's current occupancy.
type FrameStats struct {
	TotalFrames     int
	AllocatedFrames int
	FreeFrames      int
}

// FrameAllocator owns a bitmap over a physical address range: bit i set
// means frame i is allocated. It is grounded directly on
// original_source/core/mm/frame.rs, translated from a *mut u64 bitmap
// buffer supplied by the caller to a heap-allocated bitset.Bitmap.
type FrameAllocator struct {
	lock      syncutil.SpinLock
	bitmap    *bitset.Bitmap
	startAddr PhysAddr
	endAddr   PhysAddr
}

// NewFrameAllocator creates an allocator over [startAddr, startAddr+size),
// rounded up to a whole number of pages. Every frame starts allocated; call
// AddFreeRegion to publish the ranges that are actually available, matching
// the reference allocator's "mark all frames as allocated initially" step.
func NewFrameAllocator(startAddr PhysAddr, size uint64) *FrameAllocator {
	totalFrames := AlignUp(size) / PageSize
	fa := &FrameAllocator{
		bitmap:    bitset.New(int(totalFrames)),
		startAddr: startAddr,
		endAddr:   startAddr + PhysAddr(AlignUp(size)),
	}
	fa.bitmap.SetAll()
	return fa
}

// AddFreeRegion clears the bits covering [start, start+size), the frame
// allocator's bootstrap path for telling it which frames are actually
// backed by usable RAM.
func (fa *FrameAllocator) AddFreeRegion(start PhysAddr, size uint64) {
	startFrame := AlignDown(uint64(start)) / PageSize
	endFrame := AlignUp(uint64(start)+size) / PageSize
	allocStartFrame := uint64(fa.startAddr) / PageSize
	allocEndFrame := uint64(fa.endAddr) / PageSize

	fa.lock.Lock()
	defer fa.lock.Unlock()
	for frame := startFrame; frame < endFrame; frame++ {
		if frame >= allocStartFrame && frame < allocEndFrame {
			index := int(frame - allocStartFrame)
			if index < fa.bitmap.Len() {
				fa.bitmap.Clear(index)
			}
		}
	}
}

// AllocateFrame performs a first-fit search for a single clear bit. It
// returns ok=false on exhaustion; it never panics on allocation failure,
// matching spec §4.1's "no panic" failure mode.
func (fa *FrameAllocator) AllocateFrame() (addr PhysAddr, ok bool) {
	fa.lock.Lock()
	defer fa.lock.Unlock()

	index := fa.bitmap.FindAndSet()
	if index < 0 {
		return 0, false
	}
	frame := uint64(fa.startAddr)/PageSize + uint64(index)
	return PhysAddr(frame * PageSize), true
}

// AllocateFrameAt reserves a specific frame, failing if it is out of range
// or already allocated.
func (fa *FrameAllocator) AllocateFrameAt(frame FrameNr) (addr PhysAddr, ok bool) {
	allocStart := uint64(fa.startAddr) / PageSize
	allocEnd := uint64(fa.endAddr) / PageSize
	if uint64(frame) < allocStart || uint64(frame) >= allocEnd {
		return 0, false
	}

	index := int(uint64(frame) - allocStart)
	fa.lock.Lock()
	defer fa.lock.Unlock()
	if fa.bitmap.Test(index) {
		return 0, false
	}
	fa.bitmap.Set(index)
	return PhysAddr(uint64(frame) * PageSize), true
}

// AllocateFrames finds the first run of count consecutive clear bits and
// marks them allocated as one unit. The run's start is not aligned to
// count.
func (fa *FrameAllocator) AllocateFrames(count int) (addr PhysAddr, ok bool) {
	if count <= 0 {
		return 0, false
	}

	fa.lock.Lock()
	defer fa.lock.Unlock()

	start := fa.bitmap.FindClearRun(count)
	if start < 0 {
		return 0, false
	}
	for offset := 0; offset < count; offset++ {
		fa.bitmap.Set(start + offset)
	}
	frame := uint64(fa.startAddr)/PageSize + uint64(start)
	return PhysAddr(frame * PageSize), true
}

// DeallocateFrame clears the bit for addr's frame, returning false for
// out-of-range addresses or addresses that were already free.
func (fa *FrameAllocator) DeallocateFrame(addr PhysAddr) bool {
	frame := AlignDown(uint64(addr)) / PageSize
	allocStart := uint64(fa.startAddr) / PageSize
	allocEnd := uint64(fa.endAddr) / PageSize
	if frame < allocStart || frame >= allocEnd {
		return false
	}

	index := int(frame - allocStart)
	fa.lock.Lock()
	defer fa.lock.Unlock()
	if !fa.bitmap.Test(index) {
		return false
	}
	fa.bitmap.Clear(index)
	return true
}

// DeallocateFrames clears count bits starting at addr's frame, but only if
// every frame in the run is currently allocated; otherwise it refuses the
// whole run and returns false without mutating state.
func (fa *FrameAllocator) DeallocateFrames(addr PhysAddr, count int) bool {
	startFrame := AlignDown(uint64(addr)) / PageSize
	allocStart := uint64(fa.startAddr) / PageSize
	allocEnd := uint64(fa.endAddr) / PageSize
	if startFrame < allocStart || startFrame+uint64(count) > allocEnd {
		return false
	}

	startIndex := int(startFrame - allocStart)
	fa.lock.Lock()
	defer fa.lock.Unlock()

	for offset := 0; offset < count; offset++ {
		if !fa.bitmap.Test(startIndex + offset) {
			return false
		}
	}
	for offset := 0; offset < count; offset++ {
		fa.bitmap.Clear(startIndex + offset)
	}
	return true
}

// Stats reports current frame occupancy.
func (fa *FrameAllocator) Stats() FrameStats {
	fa.lock.Lock()
	defer fa.lock.Unlock()
	return FrameStats{
		TotalFrames:     fa.bitmap.Len(),
		AllocatedFrames: fa.bitmap.CountOnes(),
		FreeFrames:      fa.bitmap.CountZeros(),
	}
}
