// Package irqchip implements the physical interrupt controller abstraction:
// one Controller interface and five concrete controllers (GIC, PLIC, APLIC,
// IMSIC, Generic-8259), selected per host ISA by NewForISA. Grounded on
// original_source/core/irq/chip.rs and mod.rs's InterruptController trait.
package irqchip

import "example.com/hypercore/internal/syncutil"

// IrqNumber identifies an interrupt line within a controller's namespace.
type IrqNumber = uint32

// Priority is the controller-agnostic priority level a caller requests;
// each concrete controller maps it onto its own register encoding.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// Controller is the interface every physical interrupt controller
// implementation satisfies, so internal/irq's dispatcher is
// controller-agnostic. Mirrors original_source/core/irq/mod.rs's
// InterruptController trait.
type Controller interface {
	Init() error
	EnableIRQ(irq IrqNumber) error
	DisableIRQ(irq IrqNumber) error
	AckIRQ(irq IrqNumber) error
	SetPriority(irq IrqNumber, priority Priority) error
	SetType(irq IrqNumber, edgeTriggered bool) error
	IsPending(irq IrqNumber) bool
	HandleInterrupt() (IrqNumber, bool)
}

// ISA names the host CPU architecture NewForISA selects a default
// controller for.
type ISA int

const (
	ISAArm64 ISA = iota
	ISARiscv64
	ISAx86_64
)

// NewForISA returns the default controller for the target host ISA: a GIC
// for ARM64, a PLIC for RISC-V (APLIC and IMSIC are not selected here; they
// are built directly with NewAplic/NewImsic), and the dual-8259
// Generic8259 for x86_64 as the legacy/degraded path.
func NewForISA(isa ISA, numIRQs int) (Controller, error) {
	switch isa {
	case ISAArm64:
		return NewGic(0x08000000, 0x08010000, numIRQs), nil
	case ISARiscv64:
		return NewPlic(0x0c000000, numIRQs, 2, 7), nil
	case ISAx86_64:
		return NewGeneric8259(), nil
	default:
		return nil, unsupportedISA(isa)
	}
}

func unsupportedISA(isa ISA) error {
	return newInvalidArgument("irqchip: unsupported ISA %d", isa)
}

// spinLocked is embedded by controllers whose register/state bookkeeping
// needs serializing, matching the reference implementation's per-register
// SpinLock fields.
type spinLocked struct {
	lock syncutil.SpinLock
}
