package devices

import (
	"fmt"

	"example.com/hypercore/internal/devbus"
)

// Keyboard controller port addresses (8042-style), per the teacher's
// pic_constants.go.
const (
	KeyboardPortData   uint16 = 0x60
	KeyboardPortStatus uint16 = 0x64
)

const statusOutputFull byte = 0x01

// Keyboard emulates an 8042-style keyboard controller's guest-visible
// surface: a FIFO of scancodes fed in by PushScancode and drained by the
// guest polling port 0x60/0x64. Grounded on the teacher's KeyboardDevice,
// generalized from a fixed pre-populated buffer to an injectable queue and
// wired to raise IRQKeyboard on arrival, which the teacher's version
// noted as future work ("No irqRaiser needed for this phase").
type Keyboard struct {
	irq    devbus.IRQRaiser
	buffer []byte
}

// NewKeyboard returns an empty keyboard buffer that raises IRQKeyboard
// through irq whenever a scancode becomes available.
func NewKeyboard(irq devbus.IRQRaiser) *Keyboard {
	return &Keyboard{irq: irq}
}

// PushScancode enqueues one scancode for the guest to read and raises
// IRQKeyboard so the guest's ISR knows to drain it.
func (k *Keyboard) PushScancode(code byte) error {
	k.buffer = append(k.buffer, code)
	return k.irq.RaiseIRQ(IRQKeyboard)
}

func (k *Keyboard) HandleIO(port uint16, dir devbus.Direction, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("devices: keyboard: unsupported I/O size %d on port %#x", size, port)
	}
	if dir == devbus.DirectionOut {
		return fmt.Errorf("devices: keyboard: write to port %#x not supported", port)
	}
	switch port {
	case KeyboardPortStatus:
		if len(k.buffer) > 0 {
			data[0] = statusOutputFull
		} else {
			data[0] = 0
		}
	case KeyboardPortData:
		if len(k.buffer) > 0 {
			data[0] = k.buffer[0]
			k.buffer = k.buffer[1:]
		} else {
			data[0] = 0
		}
	default:
		return fmt.Errorf("devices: keyboard: unhandled port %#x", port)
	}
	return nil
}
