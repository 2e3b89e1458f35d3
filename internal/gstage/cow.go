package gstage

import (
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/mm"
	"example.com/hypercore/internal/syncutil"
)

type cowRecord struct {
	refCount int
}

// cowTable is the copy-on-write manager of spec §4.6.1, keyed by the
// shared host-physical frame. Grounded on original_source/core/mm/page.rs's
// CowManager (ref-counted original_frame -> CowPage map); this port omits
// the "copied" flag since a frame leaves the table entirely once its
// ref_count reaches zero, making the flag redundant.
type cowTable struct {
	lock    syncutil.SpinLock
	records map[mm.PhysAddr]*cowRecord
}

func newCowTable() *cowTable {
	return &cowTable{records: make(map[mm.PhysAddr]*cowRecord)}
}

// RegisterSharedFrame registers hpa as COW-shared, or increments its
// reference count if already registered.
func (c *Context) RegisterSharedFrame(hpa Hpa) {
	c.cow.lock.Lock()
	defer c.cow.lock.Unlock()

	if r, ok := c.cow.records[hpa]; ok {
		r.refCount++
		return
	}
	c.cow.records[hpa] = &cowRecord{refCount: 1}
}

// IsCOWFrame reports whether hpa is currently tracked as COW-shared.
func (c *Context) IsCOWFrame(hpa Hpa) bool {
	c.cow.lock.Lock()
	defer c.cow.lock.Unlock()
	_, ok := c.cow.records[hpa]
	return ok
}

// HandleWriteFault implements spec §4.6.1's write-fault path: translate,
// look up the COW record, decrement its ref_count, and either reuse the
// frame in place (last sharer) or allocate a fresh one and remap. The new
// mapping replaces the old one only after the fresh frame is committed, so
// no reader can observe a torn mid-copy state.
func (c *Context) HandleWriteFault(gpa Gpa) (Hpa, error) {
	c.lock.Lock()
	res, err := c.walk(gpa, false)
	if err != nil {
		c.lock.Unlock()
		return 0, err
	}
	if res.level != c.mode.leafLevel() {
		if err := c.splitHugeLeaf(res, gpa); err != nil {
			c.lock.Unlock()
			return 0, err
		}
		res, err = c.walk(gpa, false)
		if err != nil {
			c.lock.Unlock()
			return 0, err
		}
	}
	leaf := c.arena[res.nodeID].entries[res.index]
	hpa := leaf.pa()
	c.lock.Unlock()

	c.cow.lock.Lock()
	record, ok := c.cow.records[hpa]
	if !ok {
		c.cow.lock.Unlock()
		return 0, hverr.New(hverr.InvalidState, "gstage: write fault at gpa %#x (hpa %#x) targets a frame with no COW record", gpa, hpa)
	}
	record.refCount--
	lastSharer := record.refCount <= 0
	if lastSharer {
		delete(c.cow.records, hpa)
	}
	c.cow.lock.Unlock()

	if lastSharer {
		c.lock.Lock()
		old := c.arena[res.nodeID].entries[res.index]
		c.arena[res.nodeID].entries[res.index] = leafPTE(hpa, withWrite(old.flags()))
		c.lock.Unlock()
		c.Invalidate(gpa, false)
		return hpa, nil
	}

	newHpa, ok := c.frames.AllocateFrame()
	if !ok {
		c.cow.lock.Lock()
		if r, ok := c.cow.records[hpa]; ok {
			r.refCount++
		} else {
			c.cow.records[hpa] = &cowRecord{refCount: 1}
		}
		c.cow.lock.Unlock()
		return 0, hverr.New(hverr.OutOfMemory, "gstage: no frame available to break COW at gpa %#x", gpa)
	}

	// Copy the old page's bytes into the new frame before any reader can
	// observe the remap, so the writer's view of pre-fault contents is
	// byte-exact.
	if err := c.memory.CopyFrame(mm.PhysAddr(newHpa), mm.PhysAddr(hpa), mm.PageSize); err != nil {
		c.frames.DeallocateFrame(newHpa)
		c.cow.lock.Lock()
		if r, ok := c.cow.records[hpa]; ok {
			r.refCount++
		} else {
			c.cow.records[hpa] = &cowRecord{refCount: 1}
		}
		c.cow.lock.Unlock()
		return 0, hverr.Wrap(hverr.InvalidState, err, "gstage: copying page bytes to break COW at gpa %#x", gpa)
	}

	c.lock.Lock()
	old := c.arena[res.nodeID].entries[res.index]
	c.arena[res.nodeID].entries[res.index] = leafPTE(newHpa, withWrite(old.flags()))
	c.lock.Unlock()

	c.Invalidate(gpa, false)
	return newHpa, nil
}
