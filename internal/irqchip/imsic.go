package irqchip

import "example.com/hypercore/internal/bitset"

// imsicIdentityManager allocates interrupt identities with order-aligned
// bitmap semantics: allocate(order) finds a run of 2^order identities whose
// start is itself a multiple of 2^order, mirroring a buddy-style alignment
// requirement without the full buddy coalescing machinery IMSIC identities
// don't need. Grounded on original_source/core/irq/chip.rs's
// ImsicIdentityManager.
type imsicIdentityManager struct {
	used    *bitset.Bitmap
	enabled *bitset.Bitmap
	target  []uint32
	numIDs  int
}

func newImsicIdentityManager(numIDs int) *imsicIdentityManager {
	return &imsicIdentityManager{
		used:    bitset.New(numIDs),
		enabled: bitset.New(numIDs),
		target:  make([]uint32, numIDs),
		numIDs:  numIDs,
	}
}

func (m *imsicIdentityManager) allocate(order int) (int, bool) {
	step := 1 << order
	for start := 0; start+step <= m.numIDs; start += step {
		available := true
		for i := 0; i < step; i++ {
			if m.used.Test(start + i) {
				available = false
				break
			}
		}
		if !available {
			continue
		}
		for i := 0; i < step; i++ {
			m.used.Set(start + i)
		}
		return start, true
	}
	return 0, false
}

func (m *imsicIdentityManager) free(id, order int) {
	step := 1 << order
	for i := 0; i < step; i++ {
		if id+i < m.numIDs {
			m.used.Clear(id + i)
			m.enabled.Clear(id + i)
		}
	}
}

// ImsicStats mirrors original_source/core/irq/chip.rs's ImsicStats, trimmed
// to the counters this port's HandleInterrupt path actually produces.
type ImsicStats struct {
	TotalMSI              uint64
	IdentityAllocations   uint64
	IdentityDeallocations uint64
}

// imsicHartFile is one hart's pending identity state — the "per-hart files
// of interrupt identities" spec.md §4.7 describes. It holds no enable bits.
type imsicHartFile struct {
	pending *bitset.Bitmap
}

// Imsic is the receiver side of MSI delivery: each hart owns a file of
// interrupt identities with independent pending state, and a single shared
// identity manager allocates identities to sources. Pending state is per
// hart; this model keeps no per-hart enable state.
type Imsic struct {
	spinLocked

	numHarts int
	numIDs   int

	ids   *imsicIdentityManager
	files []imsicHartFile
	stats ImsicStats
}

// NewImsic returns an IMSIC serving numHarts harts, each with numIDs
// interrupt identities.
func NewImsic(numHarts, numIDs int) *Imsic {
	files := make([]imsicHartFile, numHarts)
	for h := range files {
		files[h] = imsicHartFile{pending: bitset.New(numIDs)}
	}
	return &Imsic{
		numHarts: numHarts,
		numIDs:   numIDs,
		ids:      newImsicIdentityManager(numIDs),
		files:    files,
	}
}

func (im *Imsic) Init() error { return nil }

func (im *Imsic) checkHart(hart int) error {
	if hart < 0 || hart >= im.numHarts {
		return newInvalidArgument("irqchip: imsic hart %d out of range (num_harts=%d)", hart, im.numHarts)
	}
	return nil
}

// AllocateIdentity reserves 2^order contiguous, aligned interrupt
// identities and returns the base id.
func (im *Imsic) AllocateIdentity(order int) (int, error) {
	im.lock.Lock()
	defer im.lock.Unlock()
	id, ok := im.ids.allocate(order)
	if !ok {
		return 0, newOutOfMemory("irqchip: imsic has no free run of 2^%d identities", order)
	}
	im.stats.IdentityAllocations++
	return id, nil
}

// FreeIdentity releases the 2^order identities starting at id.
func (im *Imsic) FreeIdentity(id, order int) {
	im.lock.Lock()
	defer im.lock.Unlock()
	im.ids.free(id, order)
	im.stats.IdentityDeallocations++
}

// DeliverMSI models a hart receiving a store of the interrupt identity id:
// the corresponding bit is set pending in that hart's file.
func (im *Imsic) DeliverMSI(hart int, id IrqNumber) error {
	if err := im.checkHart(hart); err != nil {
		return err
	}
	if int(id) >= im.numIDs {
		return newInvalidArgument("irqchip: imsic identity %d out of range (num_ids=%d)", id, im.numIDs)
	}
	im.lock.Lock()
	defer im.lock.Unlock()
	im.files[hart].pending.Set(int(id))
	im.stats.TotalMSI++
	return nil
}

// EnableIRQ enables identity irq across every hart file, since an IMSIC has
// no single distributor-wide enable bit but the Controller interface
// models one flat IRQ namespace.
func (im *Imsic) EnableIRQ(irq IrqNumber) error {
	if int(irq) >= im.numIDs {
		return newInvalidArgument("irqchip: imsic identity %d out of range (num_ids=%d)", irq, im.numIDs)
	}
	im.lock.Lock()
	defer im.lock.Unlock()
	im.ids.enabled.Set(int(irq))
	return nil
}

func (im *Imsic) DisableIRQ(irq IrqNumber) error {
	if int(irq) >= im.numIDs {
		return newInvalidArgument("irqchip: imsic identity %d out of range (num_ids=%d)", irq, im.numIDs)
	}
	im.lock.Lock()
	defer im.lock.Unlock()
	im.ids.enabled.Clear(int(irq))
	return nil
}

// AckIRQ clears irq's pending bit on hart 0, the default file for
// single-context callers reached through the Controller interface.
func (im *Imsic) AckIRQ(irq IrqNumber) error {
	if im.numHarts == 0 || int(irq) >= im.numIDs {
		return newInvalidArgument("irqchip: imsic cannot ack identity %d", irq)
	}
	im.lock.Lock()
	defer im.lock.Unlock()
	im.files[0].pending.Clear(int(irq))
	return nil
}

// SetPriority is a no-op: IMSIC identities carry no priority field of their
// own, ordering is implied by identity number.
func (im *Imsic) SetPriority(irq IrqNumber, priority Priority) error { return nil }

// SetType is a no-op: MSI delivery is inherently edge-triggered.
func (im *Imsic) SetType(irq IrqNumber, edgeTriggered bool) error { return nil }

func (im *Imsic) IsPending(irq IrqNumber) bool {
	if im.numHarts == 0 || int(irq) >= im.numIDs {
		return false
	}
	im.lock.Lock()
	defer im.lock.Unlock()
	return im.files[0].pending.Test(int(irq))
}

// HandleInterrupt returns the lowest-numbered enabled pending identity on
// hart 0.
func (im *Imsic) HandleInterrupt() (IrqNumber, bool) {
	im.lock.Lock()
	defer im.lock.Unlock()
	if im.numHarts == 0 {
		return 0, false
	}
	file := im.files[0]
	for id := 0; id < im.numIDs; id++ {
		if file.pending.Test(id) && im.ids.enabled.Test(id) {
			file.pending.Clear(id)
			return IrqNumber(id), true
		}
	}
	return 0, false
}

// Stats returns a snapshot of the IMSIC's interrupt counters.
func (im *Imsic) Stats() ImsicStats {
	im.lock.Lock()
	defer im.lock.Unlock()
	return im.stats
}
