package mm

import (
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/syncutil"
)

// Strategy selects which of the three backing allocators serves a request.
type Strategy int

const (
	// StrategyAuto derives the strategy from the requested size.
	StrategyAuto Strategy = iota
	// StrategyBuddy routes the request to the binary buddy allocator.
	StrategyBuddy
	// StrategySlab routes the request to a size-class slab cache.
	StrategySlab
	// StrategyFrame routes the request directly to the frame allocator.
	StrategyFrame
)

// defaultBuddyThresholdPages is the request size, in pages, at and above
// which Auto routes to the buddy allocator rather than a slab cache,
// matching spec §4.4's "default 8 pages" threshold.
const defaultBuddyThresholdPages = 8

// slabClassSizes are the fixed size classes from 8 B to 4 KiB a slab-backed
// request is rounded up into, per spec §4.3.
var slabClassSizes = []int{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// AllocConfig configures one Allocate call.
type AllocConfig struct {
	Strategy    Strategy
	Alignment   int
	Zero        bool
	Reclaimable bool
	Tag         string
}

// AllocStats reports the façade's lifetime and current usage.
type AllocStats struct {
	TotalAllocations    uint64
	TotalDeallocations  uint64
	TotalAllocatedBytes uint64
	TotalFreedBytes     uint64
	CurrentUsageBytes   uint64
	PeakUsageBytes      uint64
	FailedAllocations   uint64
}

type liveAllocation struct {
	size       uint64
	strategy   Strategy
	buddyOrder int
	slabIdx    int
}

// Allocator is the unified façade over the frame, buddy and slab
// allocators (C4), dispatching by size and an optional explicit strategy
// override. Grounded on original_source/core/mm/allocator.rs's
// UnifiedAllocator.
type Allocator struct {
	lock syncutil.SpinLock

	frames *FrameAllocator
	buddy  *BuddyAllocator
	slabs  []*SlabCache // parallel to slabClassSizes

	buddyThresholdPages int

	live  map[PhysAddr]liveAllocation
	stats AllocStats
}

// NewAllocator builds the façade over frames and buddy, creating one slab
// cache per size class lazily sized against frames as the common backing
// store for both small objects and whole pages.
func NewAllocator(frames *FrameAllocator, buddy *BuddyAllocator) (*Allocator, error) {
	a := &Allocator{
		frames:              frames,
		buddy:               buddy,
		buddyThresholdPages: defaultBuddyThresholdPages,
		live:                make(map[PhysAddr]liveAllocation),
	}

	for _, size := range slabClassSizes {
		cache, err := NewSlabCache(SlabCacheConfig{
			Name:       classTag(size),
			ObjectSize: size,
		}, frames)
		if err != nil {
			return nil, hverr.Wrap(hverr.InvalidState, err, "mm: failed to build slab class for %d bytes", size)
		}
		a.slabs = append(a.slabs, cache)
	}

	return a, nil
}

func classTag(size int) string {
	switch {
	case size < 1024:
		return "size-" + itoa(size) + "b"
	default:
		return "size-" + itoa(size/1024) + "k"
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (a *Allocator) selectStrategy(size int) Strategy {
	if size >= a.buddyThresholdPages*PageSize {
		return StrategyBuddy
	}
	return StrategySlab
}

func (a *Allocator) slabClassFor(size int) int {
	for i, classSize := range slabClassSizes {
		if classSize >= size {
			return i
		}
	}
	return -1
}

// Allocate serves one request of size bytes using cfg.Strategy, or an
// auto-derived strategy when cfg.Strategy is StrategyAuto. Zeroing is
// accepted but a no-op: this façade hands out address-space identifiers,
// not byte buffers, and does not write through the byte arena mm.Memory
// provides.
func (a *Allocator) Allocate(size int, cfg AllocConfig) (PhysAddr, error) {
	if size <= 0 {
		a.lock.Lock()
		a.stats.FailedAllocations++
		a.lock.Unlock()
		return 0, hverr.New(hverr.InvalidArgument, "mm: allocation size must be positive, got %d", size)
	}

	strategy := cfg.Strategy
	if strategy == StrategyAuto {
		strategy = a.selectStrategy(size)
	}

	var (
		addr       PhysAddr
		buddyOrder = -1
		slabIdx    = -1
		err        error
	)

	switch strategy {
	case StrategyFrame:
		if size > PageSize {
			err = hverr.New(hverr.InvalidArgument, "mm: StrategyFrame only serves single-page requests, got %d bytes", size)
			break
		}
		var ok bool
		addr, ok = a.frames.AllocateFrame()
		if !ok {
			err = hverr.New(hverr.OutOfMemory, "mm: frame allocator exhausted")
		}

	case StrategyBuddy:
		buddyOrder = SizeToOrder(uint64(size))
		addr, err = a.buddy.Allocate(buddyOrder)

	case StrategySlab:
		slabIdx = a.slabClassFor(size)
		if slabIdx < 0 {
			err = hverr.New(hverr.InvalidArgument, "mm: no slab class serves %d bytes", size)
			break
		}
		addr, err = a.slabs[slabIdx].Allocate()

	default:
		err = hverr.New(hverr.InvalidArgument, "mm: unknown allocation strategy %d", strategy)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if err != nil {
		a.stats.FailedAllocations++
		return 0, err
	}

	a.live[addr] = liveAllocation{size: uint64(size), strategy: strategy, buddyOrder: buddyOrder, slabIdx: slabIdx}
	a.stats.TotalAllocations++
	a.stats.TotalAllocatedBytes += uint64(size)
	a.stats.CurrentUsageBytes += uint64(size)
	if a.stats.CurrentUsageBytes > a.stats.PeakUsageBytes {
		a.stats.PeakUsageBytes = a.stats.CurrentUsageBytes
	}

	return addr, nil
}

// Free returns addr to whichever backing allocator served it. strategyHint
// may be StrategyAuto, in which case the façade re-derives the original
// strategy from its own bookkeeping, matching spec §4.4's free-side Auto
// re-derivation.
func (a *Allocator) Free(addr PhysAddr, strategyHint Strategy) error {
	a.lock.Lock()
	entry, ok := a.live[addr]
	if !ok {
		a.lock.Unlock()
		return hverr.New(hverr.NotFound, "mm: address %#x is not a live allocation from this façade", addr)
	}
	if strategyHint != StrategyAuto && strategyHint != entry.strategy {
		a.lock.Unlock()
		return hverr.New(hverr.InvalidArgument, "mm: free strategy hint does not match the allocation's original strategy for %#x", addr)
	}
	delete(a.live, addr)
	a.lock.Unlock()

	var err error
	switch entry.strategy {
	case StrategyFrame:
		if !a.frames.DeallocateFrame(addr) {
			err = hverr.New(hverr.InvalidArgument, "mm: frame allocator refused to free %#x", addr)
		}
	case StrategyBuddy:
		err = a.buddy.Deallocate(addr, entry.buddyOrder)
	case StrategySlab:
		err = a.slabs[entry.slabIdx].Deallocate(addr)
	}

	if err != nil {
		a.lock.Lock()
		a.live[addr] = entry
		a.lock.Unlock()
		return err
	}

	a.lock.Lock()
	a.stats.TotalDeallocations++
	a.stats.TotalFreedBytes += entry.size
	a.stats.CurrentUsageBytes -= entry.size
	a.lock.Unlock()
	return nil
}

// Stats reports the façade's current bookkeeping.
func (a *Allocator) Stats() AllocStats {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.stats
}
