package irqchip

// Gic implements the ARM Generic Interrupt Controller's distributor + CPU
// interface split. Register offsets and the SGI/PPI/SPI numbering
// (0-15/16-31/32+) are grounded on original_source/core/irq/chip.rs's Gic.
// Since this module has no real MMIO behind it, register state is modeled
// directly rather than through volatile reads/writes.
type Gic struct {
	spinLocked

	distributorBase uint64
	cpuBase         uint64
	numIRQs         int

	enabled    map[IrqNumber]bool
	priorities map[IrqNumber]uint8
	pending    map[IrqNumber]bool
}

const gicSPIBase = 32

// NewGic returns a GIC over numIRQs interrupt lines.
func NewGic(distributorBase, cpuBase uint64, numIRQs int) *Gic {
	return &Gic{
		distributorBase: distributorBase,
		cpuBase:         cpuBase,
		numIRQs:         numIRQs,
		enabled:         make(map[IrqNumber]bool),
		priorities:      make(map[IrqNumber]uint8),
		pending:         make(map[IrqNumber]bool),
	}
}

func (g *Gic) Init() error {
	g.lock.Lock()
	defer g.lock.Unlock()
	for irq := 0; irq < g.numIRQs; irq++ {
		priority := uint8(1)
		if irq < gicSPIBase {
			priority = 0 // SGI/PPI: highest priority
		}
		g.priorities[IrqNumber(irq)] = priority
	}
	return nil
}

func (g *Gic) checkRange(irq IrqNumber) error {
	if int(irq) >= g.numIRQs {
		return newInvalidArgument("irqchip: gic irq %d out of range (num_irqs=%d)", irq, g.numIRQs)
	}
	return nil
}

func (g *Gic) EnableIRQ(irq IrqNumber) error {
	if err := g.checkRange(irq); err != nil {
		return err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.enabled[irq] = true
	return nil
}

func (g *Gic) DisableIRQ(irq IrqNumber) error {
	if err := g.checkRange(irq); err != nil {
		return err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.enabled[irq] = false
	return nil
}

// AckIRQ models a write to the CPU interface's End-Of-Interrupt register
// carrying the claimed id.
func (g *Gic) AckIRQ(irq IrqNumber) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.pending, irq)
	return nil
}

func (g *Gic) SetPriority(irq IrqNumber, priority Priority) error {
	if err := g.checkRange(irq); err != nil {
		return err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.priorities[irq] = uint8(priority)
	return nil
}

// SetType is a no-op: this model's interrupt lines carry no edge/level
// configuration register state beyond priority and enable.
func (g *Gic) SetType(irq IrqNumber, edgeTriggered bool) error {
	return g.checkRange(irq)
}

func (g *Gic) IsPending(irq IrqNumber) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.pending[irq]
}

// SetPending marks irq as asserted, used by device models wired behind this
// controller to raise a line.
func (g *Gic) SetPending(irq IrqNumber) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.enabled[irq] {
		g.pending[irq] = true
	}
}

// HandleInterrupt returns the highest-priority enabled pending interrupt
// (lowest priority value wins, matching the GIC's priority encoding where a
// smaller number is a higher priority).
func (g *Gic) HandleInterrupt() (IrqNumber, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	best := IrqNumber(0)
	bestPriority := uint8(255)
	found := false
	for irq, pending := range g.pending {
		if !pending || !g.enabled[irq] {
			continue
		}
		p := g.priorities[irq]
		if !found || p < bestPriority {
			best, bestPriority, found = irq, p, true
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}
