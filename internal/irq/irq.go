// Package irq implements the CPU-local interrupt dispatch path (C8) and the
// exception/trap manager (C9): the descriptor table and affinity machinery
// sitting above the physical controllers in internal/irqchip, and the
// vector table handling the host CPU's own synchronous exceptions.
// Grounded on original_source/core/irq/{mod,handler,affinity,exception}.rs.
package irq

import "example.com/hypercore/internal/irqchip"

// IrqNumber and Priority are shared with internal/irqchip so a descriptor's
// priority maps directly onto a controller's own register encoding.
type IrqNumber = irqchip.IrqNumber
type Priority = irqchip.Priority

// IrqType classifies how an interrupt was raised, driving the affinity
// manager's hint calculation.
type IrqType int

const (
	TypeSoftware IrqType = iota
	TypeHardware
	TypeIPI
)

// HandlerFunc is the user-supplied work performed when an IRQ is dispatched.
// ctx is handler-defined context data threaded through from registration.
type HandlerFunc func(irq IrqNumber, ctx any) error

const maxDescriptors = 1024
