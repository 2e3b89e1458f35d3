package devbus

import "testing"

type recordingPio struct {
	lastPort uint16
	lastDir  Direction
	lastVal  byte
}

func (r *recordingPio) HandleIO(port uint16, dir Direction, size uint8, data []byte) error {
	r.lastPort = port
	r.lastDir = dir
	if dir == DirectionOut {
		r.lastVal = data[0]
	} else {
		data[0] = 0x42
	}
	return nil
}

func TestIOBusRoutesRegisteredRange(t *testing.T) {
	bus := NewIOBus()
	dev := &recordingPio{}
	bus.RegisterDevice(0x3F8, 0x3FF, dev)

	data := []byte{0x7}
	if err := bus.HandleIO(0x3FA, DirectionOut, 1, data); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if dev.lastPort != 0x3FA || dev.lastVal != 0x7 {
		t.Fatalf("device did not see the routed access: port=%#x val=%#x", dev.lastPort, dev.lastVal)
	}

	in := []byte{0}
	if err := bus.HandleIO(0x3F8, DirectionIn, 1, in); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if in[0] != 0x42 {
		t.Fatalf("HandleIO(in) = %#x, want 0x42", in[0])
	}
}

func TestIOBusUnregisteredPortErrors(t *testing.T) {
	bus := NewIOBus()
	if err := bus.HandleIO(0x1234, DirectionIn, 1, []byte{0}); err == nil {
		t.Fatalf("HandleIO on unregistered port: want error, got nil")
	}
}

type recordingMmio struct {
	lastAddr uint64
}

func (r *recordingMmio) HandleMMIO(addr uint64, dir Direction, size uint8, data []byte) error {
	r.lastAddr = addr
	return nil
}

func TestMMIOBusRoutesWithinWindow(t *testing.T) {
	bus := NewMMIOBus()
	dev := &recordingMmio{}
	bus.RegisterDevice(0x10000000, 0x1000, dev)

	if err := bus.HandleMMIO(0x10000080, DirectionIn, 4, make([]byte, 4)); err != nil {
		t.Fatalf("HandleMMIO: %v", err)
	}
	if dev.lastAddr != 0x10000080 {
		t.Fatalf("lastAddr = %#x, want %#x", dev.lastAddr, 0x10000080)
	}

	if err := bus.HandleMMIO(0x20000000, DirectionIn, 4, make([]byte, 4)); err == nil {
		t.Fatalf("HandleMMIO outside any window: want error, got nil")
	}
}
