package irqchip

// Generic8259 is the legacy x86 dual-8259 PIC, kept as one more
// irqchip.Controller implementation rather than a parallel device-specific
// system. Adapted from the teacher's devices.PICDevice: master handles IRQ
// lines 0-7, slave handles 8-15 cascaded through master's IRQ2, and EOI
// clears the in-service bit by priority (IRQ0 highest).
type Generic8259 struct {
	spinLocked

	masterIMR uint8
	masterIRR uint8
	masterISR uint8

	slaveIMR uint8
	slaveIRR uint8
	slaveISR uint8
}

const generic8259CascadeLine = 2

// NewGeneric8259 returns a pair of cascaded 8259A PICs with every line
// masked, matching real hardware's post-reset state.
func NewGeneric8259() *Generic8259 {
	return &Generic8259{masterIMR: 0xFF, slaveIMR: 0xFF}
}

func (p *Generic8259) Init() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.masterIMR, p.slaveIMR = 0xFF, 0xFF
	p.masterIRR, p.slaveIRR = 0, 0
	p.masterISR, p.slaveISR = 0, 0
	return nil
}

func (p *Generic8259) checkIRQ(irq IrqNumber) error {
	if irq >= 16 {
		return newInvalidArgument("irqchip: generic8259 irq %d out of range (0-15)", irq)
	}
	return nil
}

func (p *Generic8259) EnableIRQ(irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if irq < 8 {
		p.masterIMR &^= 1 << irq
	} else {
		p.slaveIMR &^= 1 << (irq - 8)
		p.masterIMR &^= 1 << generic8259CascadeLine
	}
	return nil
}

func (p *Generic8259) DisableIRQ(irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if irq < 8 {
		p.masterIMR |= 1 << irq
	} else {
		p.slaveIMR |= 1 << (irq - 8)
	}
	return nil
}

// AckIRQ performs a non-specific EOI: the highest-priority in-service bit
// on the owning PIC is cleared, matching the teacher's processOCW2.
func (p *Generic8259) AckIRQ(irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if irq < 8 {
		p.clearHighestISRLocked(&p.masterISR)
	} else {
		p.clearHighestISRLocked(&p.slaveISR)
		if p.slaveISR == 0 {
			p.masterISR &^= 1 << generic8259CascadeLine
		}
	}
	return nil
}

func (p *Generic8259) clearHighestISRLocked(isr *uint8) {
	for i := uint8(0); i < 8; i++ {
		if (*isr>>i)&1 != 0 {
			*isr &^= 1 << i
			return
		}
	}
}

// SetPriority is a no-op: the 8259A's priority order is fixed by IRQ
// number (IRQ0 highest) and not independently programmable here.
func (p *Generic8259) SetPriority(irq IrqNumber, priority Priority) error {
	return p.checkIRQ(irq)
}

// SetType is a no-op: this model does not distinguish edge/level trigger
// mode, matching the teacher's own unimplemented ELCR handling.
func (p *Generic8259) SetType(irq IrqNumber, edgeTriggered bool) error {
	return p.checkIRQ(irq)
}

func (p *Generic8259) IsPending(irq IrqNumber) bool {
	if p.checkIRQ(irq) != nil {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if irq < 8 {
		return (p.masterIRR>>irq)&1 != 0
	}
	return (p.slaveIRR>>(irq-8))&1 != 0
}

// RaiseIRQ sets irq pending, as a device model driving this controller
// would; cascades slave lines through master's IRQ2 when unmasked.
func (p *Generic8259) RaiseIRQ(irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if irq < 8 {
		if (p.masterIMR>>irq)&1 == 0 {
			p.masterIRR |= 1 << irq
		}
		return nil
	}
	slaveLine := irq - 8
	if (p.slaveIMR>>slaveLine)&1 == 0 {
		p.slaveIRR |= 1 << slaveLine
		if (p.masterIMR>>generic8259CascadeLine)&1 == 0 {
			p.masterIRR |= 1 << generic8259CascadeLine
		}
	}
	return nil
}

// HandleInterrupt returns the highest-priority unmasked, not-in-service
// pending IRQ, checking master lines 0-7 (excluding the cascade line),
// then slave lines via the cascade, matching the teacher's
// GetInterruptVector priority order. A master line in service blocks
// itself and every lower-priority master line (including the cascade)
// until its EOI.
func (p *Generic8259) HandleInterrupt() (IrqNumber, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	limit := uint8(8)
	for i := uint8(0); i < 8; i++ {
		if (p.masterISR>>i)&1 != 0 {
			limit = i
			break
		}
	}

	masterPending := p.masterIRR &^ p.masterIMR
	for i := uint8(0); i < limit; i++ {
		if i == generic8259CascadeLine {
			continue
		}
		if (masterPending>>i)&1 != 0 && (p.masterISR>>i)&1 == 0 {
			p.masterISR |= 1 << i
			p.masterIRR &^= 1 << i
			return IrqNumber(i), true
		}
	}

	if (masterPending>>generic8259CascadeLine)&1 != 0 && generic8259CascadeLine < limit {
		slavePending := p.slaveIRR &^ p.slaveIMR
		for i := uint8(0); i < 8; i++ {
			if (slavePending>>i)&1 != 0 && (p.slaveISR>>i)&1 == 0 {
				p.masterISR |= 1 << generic8259CascadeLine
				p.slaveISR |= 1 << i
				p.slaveIRR &^= 1 << i
				return IrqNumber(8 + i), true
			}
		}
	}
	return 0, false
}
