// Package pagetable implements the hypervisor's host address space: a
// 4-level, 512-entry-per-level translation tree (C5), grounded on
// original_source/core/mm/page.rs's PT_ENTRIES/PT_SHIFT/VA_BITS constants
// and the teacher's core_engine/hypervisor/paging.go entry-flag helpers,
// generalized from 32-bit two-level paging to a full 4-level walker.
package pagetable

import (
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/mm"
	"example.com/hypercore/internal/syncutil"
)

const (
	// EntriesPerTable is the fixed fan-out of every level (PT_ENTRIES).
	EntriesPerTable = 512
	// LevelShift is the number of virtual-address bits each level indexes.
	LevelShift = 9
	// Levels is the tree depth: 4 levels * 9 bits + 12-bit page offset = 48
	// bits of virtual address space (VA_BITS).
	Levels = 4
)

// VirtAddr is a host-virtual address.
type VirtAddr uint64

// Flags are the per-leaf permission and cache-control bits.
type Flags uint32

const (
	FlagPresent Flags = 1 << iota
	FlagWrite
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	FlagGlobal
	FlagNoExecute
)

type nodeID int

const nilNode nodeID = -1

type entry struct {
	present bool
	branch  bool    // points at another table node
	child   nodeID  // valid when branch
	phys    mm.PhysAddr // valid when a leaf
	flags   Flags
}

type tableNode struct {
	selfAddr mm.PhysAddr
	entries  [EntriesPerTable]entry
}

// AddressSpace is one ASID-tagged host translation tree. Table nodes live
// in an arena indexed by nodeID rather than behind Go pointers, mirroring
// the slot-indexed node storage used for internal/gstage and internal/sched
// — useful here because intermediate tables are deliberately never
// reclaimed (spec §4.5), so a monotonically growing arena is a faithful,
// allocation-cheap model of that policy.
type AddressSpace struct {
	lock syncutil.SpinLock

	asid   uint16
	frames *mm.FrameAllocator

	arena []tableNode
	root  nodeID
}

// NewAddressSpace creates an address space with a freshly allocated root
// table, backed by frames for every table-node page it creates.
func NewAddressSpace(asid uint16, frames *mm.FrameAllocator) (*AddressSpace, error) {
	as := &AddressSpace{asid: asid, frames: frames}
	root, err := as.newNode()
	if err != nil {
		return nil, hverr.Wrap(hverr.OutOfMemory, err, "pagetable: failed to allocate root table for ASID %d", asid)
	}
	as.root = root
	return as, nil
}

// ASID returns this address space's address-space identifier.
func (as *AddressSpace) ASID() uint16 { return as.asid }

// RootPhysAddr returns the physical address of the root table, the value
// an ISA's translation-control register would be programmed with.
func (as *AddressSpace) RootPhysAddr() mm.PhysAddr {
	return as.arena[as.root].selfAddr
}

func (as *AddressSpace) newNode() (nodeID, error) {
	addr, ok := as.frames.AllocateFrame()
	if !ok {
		return nilNode, hverr.New(hverr.OutOfMemory, "pagetable: frame allocator exhausted while growing the table tree")
	}
	id := nodeID(len(as.arena))
	as.arena = append(as.arena, tableNode{selfAddr: addr})
	for i := range as.arena[id].entries {
		as.arena[id].entries[i].child = nilNode
	}
	return id, nil
}

func levelIndex(va VirtAddr, level int) int {
	shift := mm.PageShift + (Levels-1-level)*LevelShift
	return int((va >> uint(shift)) & (EntriesPerTable - 1))
}

// MapPage creates a single leaf mapping va -> pa, walking from the root and
// creating intermediate tables as needed. It fails if a leaf is already
// present at va.
func (as *AddressSpace) MapPage(va VirtAddr, pa mm.PhysAddr, flags Flags) error {
	as.lock.Lock()
	defer as.lock.Unlock()

	node := as.root
	for level := 0; level < Levels-1; level++ {
		idx := levelIndex(va, level)
		e := &as.arena[node].entries[idx]
		if !e.present {
			child, err := as.newNode()
			if err != nil {
				return err
			}
			e.present = true
			e.branch = true
			e.child = child
		} else if !e.branch {
			return hverr.New(hverr.InvalidState, "pagetable: va %#x is shadowed by a huge leaf at level %d", va, level)
		}
		node = e.child
	}

	leafIdx := levelIndex(va, Levels-1)
	leaf := &as.arena[node].entries[leafIdx]
	if leaf.present {
		return hverr.New(hverr.InvalidState, "pagetable: va %#x is already mapped", va)
	}

	*leaf = entry{present: true, branch: false, child: nilNode, phys: pa, flags: flags | FlagPresent}
	return nil
}

// MapRange maps size/PageSize consecutive pages starting at va/pa. Both
// addresses must already be page-aligned.
func (as *AddressSpace) MapRange(va VirtAddr, pa mm.PhysAddr, size uint64, flags Flags) error {
	if uint64(va)%mm.PageSize != 0 || uint64(pa)%mm.PageSize != 0 {
		return hverr.New(hverr.InvalidArgument, "pagetable: MapRange requires page-aligned va/pa")
	}
	pages := size / mm.PageSize
	for i := uint64(0); i < pages; i++ {
		if err := as.MapPage(va+VirtAddr(i*mm.PageSize), pa+mm.PhysAddr(i*mm.PageSize), flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapPage clears the leaf at va and returns the physical address it had
// mapped. Intermediate tables are left in place, matching spec §4.5.
func (as *AddressSpace) UnmapPage(va VirtAddr) (mm.PhysAddr, error) {
	as.lock.Lock()
	defer as.lock.Unlock()

	leaf, err := as.walkToLeaf(va)
	if err != nil {
		return 0, err
	}
	pa := leaf.phys
	*leaf = entry{child: nilNode}
	return pa, nil
}

// Translate walks to the leaf mapping va and returns its physical address.
func (as *AddressSpace) Translate(va VirtAddr) (mm.PhysAddr, error) {
	as.lock.Lock()
	defer as.lock.Unlock()

	leaf, err := as.walkToLeaf(va)
	if err != nil {
		return 0, err
	}
	return leaf.phys + mm.PhysAddr(uint64(va)&(mm.PageSize-1)), nil
}

// ProtectPage updates the flags on an existing leaf mapping.
func (as *AddressSpace) ProtectPage(va VirtAddr, flags Flags) error {
	as.lock.Lock()
	defer as.lock.Unlock()

	leaf, err := as.walkToLeaf(va)
	if err != nil {
		return err
	}
	leaf.flags = flags | FlagPresent
	return nil
}

// walkToLeaf returns the leaf entry for va. Caller holds as.lock.
func (as *AddressSpace) walkToLeaf(va VirtAddr) (*entry, error) {
	node := as.root
	for level := 0; level < Levels-1; level++ {
		idx := levelIndex(va, level)
		e := &as.arena[node].entries[idx]
		if !e.present || !e.branch {
			return nil, hverr.New(hverr.NotFound, "pagetable: va %#x is not mapped", va)
		}
		node = e.child
	}
	leafIdx := levelIndex(va, Levels-1)
	leaf := &as.arena[node].entries[leafIdx]
	if !leaf.present {
		return nil, hverr.New(hverr.NotFound, "pagetable: va %#x is not mapped", va)
	}
	return leaf, nil
}
