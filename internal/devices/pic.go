// Package devices implements the guest-visible legacy device set a VM's
// firmware/kernel programs directly: the dual-8259 PIC, the 8254 PIT, a
// 16550 UART, the CMOS RTC, and an 8042-style keyboard controller.
// Grounded on the teacher's core_engine/devices/*.go, rewired onto
// internal/devbus's PioDevice interface and IRQRaiser abstraction instead
// of a single hardwired KVM injection path.
package devices

import (
	"fmt"
	"log/slog"

	"example.com/hypercore/internal/devbus"
	"example.com/hypercore/internal/hvlog"
)

// PIC command/data port addresses, per the teacher's pic_constants.go.
const (
	PICMasterCmdPort  uint16 = 0x20
	PICMasterDataPort uint16 = 0x21
	PICSlaveCmdPort   uint16 = 0xA0
	PICSlaveDataPort  uint16 = 0xA1
)

// Well-known IRQ line assignments on the legacy PC platform.
const (
	IRQTimer    uint32 = 0
	IRQKeyboard uint32 = 1
	IRQCascade  uint32 = 2
	IRQSerial1  uint32 = 4
	IRQRTC      uint32 = 8
)

const (
	icw1Init byte = 0x10
	icw1IC4  byte = 0x01
	icw1Sngl byte = 0x02

	ocw2EOI byte = 0x20
	ocw2SL  byte = 0x40

	ocw3RR  byte = 0x02
	ocw3RIS byte = 0x01
)

// picController is one half (master or slave) of the cascaded pair: its
// own IMR/IRR/ISR plus the ICW/OCW command state machine a guest programs
// it through. Grounded on the teacher's PICController.
type picController struct {
	isMaster bool

	offset byte
	imr    byte
	irr    byte
	isr    byte

	icwStep int
	autoEOI bool
	readISR bool
}

func (c *picController) reset() {
	c.imr = 0xFF
	c.irr = 0
	c.isr = 0
	c.icwStep = 0
	c.autoEOI = false
}

func (c *picController) writeCmd(val byte, slave *picController) {
	if val&icw1Init != 0 {
		c.irr, c.isr = 0, 0
		c.icwStep = 1
		c.autoEOI = false
		return
	}
	if val&0x18 == 0x08 { // OCW3
		if val&ocw3RR != 0 {
			c.readISR = val&ocw3RIS != 0
		}
		return
	}
	// OCW2: only the EOI family is modeled (rotation modes are not).
	if val&ocw2EOI == 0 {
		return
	}
	if val&ocw2SL != 0 {
		line := val & 0x07
		c.isr &^= 1 << line
		return
	}
	for i := byte(0); i < 8; i++ {
		if c.isr&(1<<i) != 0 {
			c.isr &^= 1 << i
			if c.isMaster && i == byte(IRQCascade) && slave != nil {
				slave.writeCmd(ocw2EOI, nil)
			}
			break
		}
	}
}

func (c *picController) readCmd() byte {
	if c.readISR {
		return c.isr
	}
	return c.irr
}

func (c *picController) writeData(val byte) {
	if c.icwStep == 0 {
		c.imr = val
		return
	}
	switch c.icwStep {
	case 1: // ICW2: vector offset
		c.offset = val
		c.icwStep = 2
	case 2: // ICW3: cascade wiring, ignored beyond acknowledging the byte
		c.icwStep = 3
	case 3: // ICW4
		c.autoEOI = val&0x02 != 0
		c.icwStep = 0
	}
}

// PIC emulates the cascaded dual-8259A interrupt controller a legacy x86
// guest programs over ports 0x20-0x21/0xA0-0xA1. Distinct from
// internal/irqchip.Generic8259, which models the *host's* physical
// controller for the host interrupt path (C7-C9); this one is driven by
// guest I/O writes and its pending vector feeds the VCPU's virtual
// interrupt injection instead.
type PIC struct {
	master picController
	slave  picController
	log    *slog.Logger
}

func NewPIC() *PIC {
	p := &PIC{log: hvlog.For("devices.pic")}
	p.master.isMaster = true
	p.master.reset()
	p.slave.reset()
	return p
}

func (p *PIC) HandleIO(port uint16, dir devbus.Direction, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("devices: pic: unsupported I/O size %d on port %#x", size, port)
	}
	switch port {
	case PICMasterCmdPort:
		if dir == devbus.DirectionOut {
			p.master.writeCmd(data[0], &p.slave)
		} else {
			data[0] = p.master.readCmd()
		}
	case PICMasterDataPort:
		if dir == devbus.DirectionOut {
			p.master.writeData(data[0])
		} else {
			data[0] = p.master.imr
		}
	case PICSlaveCmdPort:
		if dir == devbus.DirectionOut {
			p.slave.writeCmd(data[0], nil)
		} else {
			data[0] = p.slave.readCmd()
		}
	case PICSlaveDataPort:
		if dir == devbus.DirectionOut {
			p.slave.writeData(data[0])
		} else {
			data[0] = p.slave.imr
		}
	default:
		return fmt.Errorf("devices: pic: unhandled port %#x", port)
	}
	return nil
}

// RaiseIRQ sets irq pending in the owning controller's IRR, cascading
// through the slave's connection to the master's IRQCascade line.
// Satisfies devbus.IRQRaiser.
func (p *PIC) RaiseIRQ(irq uint32) error {
	if irq >= 16 {
		return fmt.Errorf("devices: pic: irq %d out of range", irq)
	}
	if irq < 8 {
		if p.master.imr&(1<<irq) == 0 {
			p.master.irr |= 1 << irq
		}
		return nil
	}
	line := irq - 8
	if p.slave.imr&(1<<line) == 0 {
		p.slave.irr |= 1 << line
		if p.master.imr&(1<<IRQCascade) == 0 {
			p.master.irr |= 1 << IRQCascade
		}
	}
	return nil
}

// PendingVector returns the highest-priority unmasked, not-in-service
// interrupt's vector and marks it in-service, or ok=false if nothing is
// pending. The VM run loop calls this once per entry to decide whether to
// inject an interrupt, matching the teacher's GetInterruptVector.
func (p *PIC) PendingVector() (vector byte, ok bool) {
	masterPending := p.master.irr &^ p.master.imr
	for i := byte(0); i < 8; i++ {
		if i == byte(IRQCascade) {
			continue
		}
		if masterPending&(1<<i) != 0 && p.master.isr&(1<<i) == 0 {
			if !p.master.autoEOI {
				p.master.isr |= 1 << i
			}
			p.master.irr &^= 1 << i
			p.log.Debug("injecting master vector", "irq", i)
			return p.master.offset + i, true
		}
	}
	if masterPending&(1<<IRQCascade) != 0 && p.master.isr&(1<<IRQCascade) == 0 {
		slavePending := p.slave.irr &^ p.slave.imr
		for i := byte(0); i < 8; i++ {
			if slavePending&(1<<i) != 0 && p.slave.isr&(1<<i) == 0 {
				if !p.master.autoEOI {
					p.master.isr |= 1 << IRQCascade
				}
				if !p.slave.autoEOI {
					p.slave.isr |= 1 << i
				}
				p.slave.irr &^= 1 << i
				if p.slave.irr&^p.slave.imr == 0 {
					p.master.irr &^= 1 << IRQCascade
				}
				p.log.Debug("injecting slave vector", "irq", i)
				return p.slave.offset + i, true
			}
		}
	}
	return 0, false
}
