package irqchip

import (
	"fmt"
	"testing"
)

func TestGicEnablePendingHandlePriority(t *testing.T) {
	g := NewGic(0x08000000, 0x08010000, 64)
	if err := g.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := g.EnableIRQ(5); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := g.EnableIRQ(3); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := g.SetPriority(5, PriorityHigh); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if err := g.SetPriority(3, PriorityLowest); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	g.SetPending(5)
	g.SetPending(3)

	irq, ok := g.HandleInterrupt()
	if !ok {
		t.Fatal("expected a pending interrupt")
	}
	if irq != 3 {
		t.Fatalf("expected lower-priority-value irq 3 to win, got %d", irq)
	}
	if err := g.AckIRQ(3); err != nil {
		t.Fatalf("AckIRQ: %v", err)
	}
	if g.IsPending(3) {
		t.Fatal("AckIRQ should clear pending")
	}
}

func TestGicRejectsOutOfRangeIRQ(t *testing.T) {
	g := NewGic(0, 0, 4)
	if err := g.EnableIRQ(10); err == nil {
		t.Fatal("expected out-of-range irq to be rejected")
	}
}

func TestPlicClaimCompleteProtocol(t *testing.T) {
	p := NewPlic(0x0c000000, 32, 2, 7)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.EnableIRQForContext(0, 10); err != nil {
		t.Fatalf("EnableIRQForContext: %v", err)
	}
	if err := p.SetPriority(10, Priority(3)); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if err := p.SetThreshold(0, 0); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := p.SetPending(10); err != nil {
		t.Fatalf("SetPending: %v", err)
	}

	irq, ok := p.ClaimInterrupt(0)
	if !ok || irq != 10 {
		t.Fatalf("ClaimInterrupt = (%d, %v), want (10, true)", irq, ok)
	}
	if p.IsPending(10) {
		t.Fatal("claim should clear the pending bit")
	}

	// A second claim must return nothing until complete is called, since
	// the source is still in-service.
	if err := p.SetPending(10); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if _, ok := p.ClaimInterrupt(0); ok {
		t.Fatal("claim should not re-deliver an in-service source")
	}

	p.CompleteInterrupt(0, 10)
	if _, ok := p.ClaimInterrupt(0); !ok {
		t.Fatal("claim should succeed again after complete")
	}
}

func TestPlicThresholdFiltersLowerPriority(t *testing.T) {
	p := NewPlic(0, 8, 1, 7)
	p.Init()
	p.EnableIRQForContext(0, 1)
	p.SetPriority(1, Priority(2))
	p.SetThreshold(0, 3)
	p.SetPending(1)

	if _, ok := p.ClaimInterrupt(0); ok {
		t.Fatal("a source at or below threshold must not be claimable")
	}
}

func TestAplicMSIForwardingComputesAddress(t *testing.T) {
	var gotAddr uint64
	var gotIRQ IrqNumber
	a := NewAplic(0, 4, 1, func(addr uint64, irq IrqNumber) {
		gotAddr, gotIRQ = addr, irq
	})
	a.ConfigureMSI(MsiConfig{
		BaseAddr:       0x2800_0000,
		GuestIndexBits: 3,
		HartIndexBits:  4,
		GroupIndexBits: 2,
	})
	if err := a.SetSourceMSITarget(1, 2, 5, 3); err != nil {
		t.Fatalf("SetSourceMSITarget: %v", err)
	}
	if err := a.EnableIRQ(1); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}

	if err := a.Fire(1); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	want := ComputeMsiAddress(MsiConfig{BaseAddr: 0x2800_0000, GuestIndexBits: 3, HartIndexBits: 4, GroupIndexBits: 2}, 2, 5, 3)
	if gotAddr != want {
		t.Fatalf("forwarded address = %#x, want %#x", gotAddr, want)
	}
	if gotIRQ != 1 {
		t.Fatalf("forwarded irq = %d, want 1", gotIRQ)
	}
	if a.Stats().MSIForwards != 1 {
		t.Fatalf("MSIForwards = %d, want 1", a.Stats().MSIForwards)
	}
}

func TestAplicDirectConnectHandleInterrupt(t *testing.T) {
	a := NewAplic(0, 4, 1, nil)
	if err := a.SetSourceDirectTarget(2, 0); err != nil {
		t.Fatalf("SetSourceDirectTarget: %v", err)
	}
	if err := a.EnableIRQ(2); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := a.Fire(2); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	irq, ok := a.HandleInterrupt()
	if !ok || irq != 2 {
		t.Fatalf("HandleInterrupt = (%d, %v), want (2, true)", irq, ok)
	}
}

func TestImsicIdentityAllocationIsOrderAligned(t *testing.T) {
	im := NewImsic(1, 16)
	id, err := im.AllocateIdentity(2) // 4 aligned identities
	if err != nil {
		t.Fatalf("AllocateIdentity: %v", err)
	}
	if id%4 != 0 {
		t.Fatalf("allocated id %d is not aligned to 2^2", id)
	}

	id2, err := im.AllocateIdentity(0)
	if err != nil {
		t.Fatalf("AllocateIdentity: %v", err)
	}
	if id2 >= id && id2 < id+4 {
		t.Fatalf("second allocation %d overlaps first run [%d, %d)", id2, id, id+4)
	}
}

func TestImsicDeliverMSIAndHandle(t *testing.T) {
	im := NewImsic(2, 8)
	id, err := im.AllocateIdentity(0)
	if err != nil {
		t.Fatalf("AllocateIdentity: %v", err)
	}
	if err := im.EnableIRQ(IrqNumber(id)); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := im.DeliverMSI(0, IrqNumber(id)); err != nil {
		t.Fatalf("DeliverMSI: %v", err)
	}

	irq, ok := im.HandleInterrupt()
	if !ok || irq != IrqNumber(id) {
		t.Fatalf("HandleInterrupt = (%d, %v), want (%d, true)", irq, ok, id)
	}
}

func TestImsicRejectsUnknownHart(t *testing.T) {
	im := NewImsic(1, 8)
	if err := im.DeliverMSI(5, 0); err == nil {
		t.Fatal("expected out-of-range hart to be rejected")
	}
}

func TestGeneric8259RaiseAckPriority(t *testing.T) {
	p := NewGeneric8259()
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.EnableIRQ(1); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := p.EnableIRQ(0); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := p.RaiseIRQ(1); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}
	if err := p.RaiseIRQ(0); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}

	irq, ok := p.HandleInterrupt()
	if !ok || irq != 0 {
		t.Fatalf("HandleInterrupt = (%d, %v), want (0, true): IRQ0 has highest priority", irq, ok)
	}

	irq2, ok := p.HandleInterrupt()
	if ok {
		t.Fatalf("IRQ0 is in-service; IRQ1 should not be delivered before EOI, got %d", irq2)
	}

	if err := p.AckIRQ(0); err != nil {
		t.Fatalf("AckIRQ: %v", err)
	}
	irq3, ok := p.HandleInterrupt()
	if !ok || irq3 != 1 {
		t.Fatalf("HandleInterrupt after EOI = (%d, %v), want (1, true)", irq3, ok)
	}
}

func TestGeneric8259CascadeThroughSlave(t *testing.T) {
	p := NewGeneric8259()
	p.Init()
	if err := p.EnableIRQ(10); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	if err := p.RaiseIRQ(10); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}

	irq, ok := p.HandleInterrupt()
	if !ok || irq != 10 {
		t.Fatalf("HandleInterrupt = (%d, %v), want (10, true)", irq, ok)
	}
}

func TestGeneric8259MaskedIRQNotDelivered(t *testing.T) {
	p := NewGeneric8259()
	p.Init()
	// IRQ 4 left masked (default IMR 0xFF).
	if err := p.RaiseIRQ(4); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}
	if p.IsPending(4) {
		t.Fatal("a masked IRQ must not be recorded as pending")
	}
}

func TestNewForISASelectsController(t *testing.T) {
	cases := []struct {
		isa  ISA
		want string
	}{
		{ISAArm64, "*irqchip.Gic"},
		{ISARiscv64, "*irqchip.Plic"},
		{ISAx86_64, "*irqchip.Generic8259"},
	}
	for _, c := range cases {
		ctrl, err := NewForISA(c.isa, 32)
		if err != nil {
			t.Fatalf("NewForISA(%d): %v", c.isa, err)
		}
		got := fmt.Sprintf("%T", ctrl)
		if got != c.want {
			t.Fatalf("NewForISA(%d) = %s, want %s", c.isa, got, c.want)
		}
	}
}
