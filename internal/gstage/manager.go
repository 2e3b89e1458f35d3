package gstage

import (
	"example.com/hypercore/internal/bitset"
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/mm"
	"example.com/hypercore/internal/syncutil"
)

// Manager owns the per-machine VMID bitmap and creates/destroys Contexts
// against it, per spec §4.6.3. VMID 0 is reserved and never handed out.
type Manager struct {
	lock syncutil.SpinLock

	vmidBitmap *bitset.Bitmap
	frames     *mm.FrameAllocator
	memory     *mm.Memory
	invalidate InvalidateFunc

	contexts map[uint16]*Context
}

// NewManager creates a manager over VMIDs [0, maxVMID). memory is the
// byte-addressable arena backing frames' address range, shared by every
// Context this manager creates so HandleWriteFault can copy real page
// bytes on a copy-on-write break.
func NewManager(maxVMID int, frames *mm.FrameAllocator, memory *mm.Memory, invalidate InvalidateFunc) *Manager {
	bm := bitset.New(maxVMID)
	bm.Set(0) // VMID 0 reserved
	return &Manager{
		vmidBitmap: bm,
		frames:     frames,
		memory:     memory,
		invalidate: invalidate,
		contexts:   make(map[uint16]*Context),
	}
}

// CreateContext allocates a VMID and builds a Context for it in the given
// mode.
func (m *Manager) CreateContext(mode Mode) (*Context, error) {
	m.lock.Lock()
	vmid := m.vmidBitmap.FindAndSet()
	if vmid < 0 {
		m.lock.Unlock()
		return nil, hverr.New(hverr.ResourceUnavailable, "gstage: no VMIDs remain")
	}
	m.lock.Unlock()

	ctx, err := newContext(uint16(vmid), mode, m.frames, m.memory, m.invalidate)
	if err != nil {
		m.lock.Lock()
		m.vmidBitmap.Clear(vmid)
		m.lock.Unlock()
		return nil, err
	}

	m.lock.Lock()
	m.contexts[uint16(vmid)] = ctx
	m.lock.Unlock()
	return ctx, nil
}

// DestroyContext flushes the context's VMID-scoped TLB entries and then
// frees the VMID, preventing its reuse while stale entries might still
// exist — the ordering spec §4.6.3 requires.
func (m *Manager) DestroyContext(ctx *Context) error {
	ctx.Invalidate(0, true)

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.contexts[ctx.vmid]; !ok {
		return hverr.New(hverr.NotFound, "gstage: VMID %d is not managed by this manager", ctx.vmid)
	}
	delete(m.contexts, ctx.vmid)
	m.vmidBitmap.Clear(int(ctx.vmid))
	return nil
}

// Lookup returns the context for vmid, if any.
func (m *Manager) Lookup(vmid uint16) (*Context, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ctx, ok := m.contexts[vmid]
	return ctx, ok
}
