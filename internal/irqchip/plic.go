package irqchip

// Plic implements the RISC-V Platform-Level Interrupt Controller: per-source
// priority, per-context enable bitmap and threshold, and the claim/complete
// pair that must serialize in-service state exactly for Linux-guest
// compatibility. Grounded on original_source/core/irq/chip.rs's Plic.
type Plic struct {
	spinLocked

	baseAddr    uint64
	numIRQs     int
	numContexts int
	maxPriority uint8

	priorities []uint8
	pending    []bool
	enables    [][]bool // enables[context][irq]
	thresholds []uint8
	claimed    []IrqNumber // 0 means "none claimed" for that context
	hasClaimed []bool
}

// NewPlic returns a PLIC over numIRQs sources and numContexts delivery
// contexts (conventionally 2 per hart: M-mode and S-mode).
func NewPlic(baseAddr uint64, numIRQs, numContexts int, maxPriority uint8) *Plic {
	p := &Plic{
		baseAddr:    baseAddr,
		numIRQs:     numIRQs,
		numContexts: numContexts,
		maxPriority: maxPriority,
		priorities:  make([]uint8, numIRQs),
		pending:     make([]bool, numIRQs),
		enables:     make([][]bool, numContexts),
		thresholds:  make([]uint8, numContexts),
		claimed:     make([]IrqNumber, numContexts),
		hasClaimed:  make([]bool, numContexts),
	}
	for c := range p.enables {
		p.enables[c] = make([]bool, numIRQs)
	}
	return p
}

func (p *Plic) Init() error {
	return nil
}

func (p *Plic) checkIRQ(irq IrqNumber) error {
	if int(irq) >= p.numIRQs {
		return newInvalidArgument("irqchip: plic irq %d out of range (num_irqs=%d)", irq, p.numIRQs)
	}
	return nil
}

func (p *Plic) checkContext(ctx int) error {
	if ctx < 0 || ctx >= p.numContexts {
		return newInvalidArgument("irqchip: plic context %d out of range (num_contexts=%d)", ctx, p.numContexts)
	}
	return nil
}

// EnableIRQ enables irq for context 0, the common single-context caller;
// use EnableIRQForContext for multi-context delivery.
func (p *Plic) EnableIRQ(irq IrqNumber) error {
	return p.EnableIRQForContext(0, irq)
}

func (p *Plic) EnableIRQForContext(ctx int, irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	if err := p.checkContext(ctx); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.enables[ctx][irq] = true
	return nil
}

func (p *Plic) DisableIRQ(irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for ctx := range p.enables {
		p.enables[ctx][irq] = false
	}
	return nil
}

// AckIRQ performs a non-specific complete on context 0 for irq.
func (p *Plic) AckIRQ(irq IrqNumber) error {
	p.CompleteInterrupt(0, irq)
	return nil
}

func (p *Plic) SetPriority(irq IrqNumber, priority Priority) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	val := uint8(priority)
	if val > p.maxPriority {
		val = p.maxPriority
	}
	p.priorities[irq] = val
	return nil
}

func (p *Plic) SetType(irq IrqNumber, edgeTriggered bool) error {
	return p.checkIRQ(irq)
}

func (p *Plic) IsPending(irq IrqNumber) bool {
	if int(irq) >= p.numIRQs {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pending[irq]
}

// SetPending marks irq pending, as a device model raising its line would.
func (p *Plic) SetPending(irq IrqNumber) error {
	if err := p.checkIRQ(irq); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pending[irq] = true
	return nil
}

// SetThreshold sets context ctx's priority threshold: only sources with
// priority strictly greater than the threshold are eligible for claim.
func (p *Plic) SetThreshold(ctx int, threshold uint8) error {
	if err := p.checkContext(ctx); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.thresholds[ctx] = threshold
	return nil
}

// ClaimInterrupt finds the highest-priority enabled pending source above
// ctx's threshold, clears its pending bit, and marks it in-service for ctx.
// Claim/complete must be paired exactly: the claimed id stays "in service"
// until CompleteInterrupt is called with the same id.
func (p *Plic) ClaimInterrupt(ctx int) (IrqNumber, bool) {
	if p.checkContext(ctx) != nil {
		return 0, false
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	threshold := p.thresholds[ctx]
	var best IrqNumber
	var bestPriority uint8
	found := false
	for irq := 0; irq < p.numIRQs; irq++ {
		if !p.pending[irq] || !p.enables[ctx][irq] {
			continue
		}
		if p.hasClaimed[ctx] && p.claimed[ctx] == IrqNumber(irq) {
			continue
		}
		priority := p.priorities[irq]
		if priority <= threshold {
			continue
		}
		if !found || priority > bestPriority {
			best, bestPriority, found = IrqNumber(irq), priority, true
		}
	}
	if !found {
		return 0, false
	}
	p.pending[best] = false
	p.claimed[ctx] = best
	p.hasClaimed[ctx] = true
	return best, true
}

// CompleteInterrupt retires irq from ctx's in-service state. A complete
// whose id does not match the context's currently claimed id is ignored,
// matching the hardware's own behavior on a malformed guest write.
func (p *Plic) CompleteInterrupt(ctx int, irq IrqNumber) {
	if p.checkContext(ctx) != nil {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.hasClaimed[ctx] && p.claimed[ctx] == irq {
		p.hasClaimed[ctx] = false
	}
}

// HandleInterrupt claims on behalf of context 0, the conventional default
// for a single-hart software model.
func (p *Plic) HandleInterrupt() (IrqNumber, bool) {
	return p.ClaimInterrupt(0)
}
