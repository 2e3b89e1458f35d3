package devices

import (
	"bytes"
	"testing"

	"example.com/hypercore/internal/devbus"
)

func TestPICUnmaskedIRQBecomesPending(t *testing.T) {
	pic := NewPIC()

	// Unmask IRQ0 on the master by writing 0x00 to its IMR (data port).
	if err := pic.HandleIO(PICMasterDataPort, devbus.DirectionOut, 1, []byte{0x00}); err != nil {
		t.Fatalf("unmask IRQ0: %v", err)
	}
	if err := pic.RaiseIRQ(IRQTimer); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}
	if _, ok := pic.PendingVector(); !ok {
		t.Fatalf("PendingVector: want a pending vector for unmasked IRQ0")
	}
}

func TestPICMaskedIRQDoesNotBecomePending(t *testing.T) {
	pic := NewPIC() // all lines masked at reset
	if err := pic.RaiseIRQ(IRQTimer); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}
	if _, ok := pic.PendingVector(); ok {
		t.Fatalf("PendingVector: want no pending vector while IRQ0 is masked")
	}
}

func TestPICVectorOffsetAppliesToPendingVector(t *testing.T) {
	pic := NewPIC()
	// ICW1: start init sequence on master.
	if err := pic.HandleIO(PICMasterCmdPort, devbus.DirectionOut, 1, []byte{icw1Init | icw1IC4}); err != nil {
		t.Fatalf("ICW1: %v", err)
	}
	// ICW2: vector offset 0x20.
	if err := pic.HandleIO(PICMasterDataPort, devbus.DirectionOut, 1, []byte{0x20}); err != nil {
		t.Fatalf("ICW2: %v", err)
	}
	// ICW3: cascade wiring byte, value irrelevant here.
	if err := pic.HandleIO(PICMasterDataPort, devbus.DirectionOut, 1, []byte{0x04}); err != nil {
		t.Fatalf("ICW3: %v", err)
	}
	// ICW4: 8086 mode.
	if err := pic.HandleIO(PICMasterDataPort, devbus.DirectionOut, 1, []byte{0x01}); err != nil {
		t.Fatalf("ICW4: %v", err)
	}
	// Unmask IRQ0.
	if err := pic.HandleIO(PICMasterDataPort, devbus.DirectionOut, 1, []byte{0x00}); err != nil {
		t.Fatalf("unmask: %v", err)
	}

	if err := pic.RaiseIRQ(IRQTimer); err != nil {
		t.Fatalf("RaiseIRQ: %v", err)
	}
	vec, ok := pic.PendingVector()
	if !ok {
		t.Fatalf("PendingVector: want ok")
	}
	if vec != 0x20 {
		t.Fatalf("PendingVector() = %#x, want 0x20 (offset 0x20 + line 0)", vec)
	}
}

func TestPICEOIClearsInService(t *testing.T) {
	pic := NewPIC()
	pic.HandleIO(PICMasterDataPort, devbus.DirectionOut, 1, []byte{0x00})
	pic.RaiseIRQ(IRQTimer)
	if _, ok := pic.PendingVector(); !ok {
		t.Fatalf("first PendingVector: want ok")
	}
	// Same IRQ raised again while in-service must not surface until EOI.
	pic.RaiseIRQ(IRQTimer)
	if _, ok := pic.PendingVector(); ok {
		t.Fatalf("PendingVector while in-service: want no vector")
	}
	// Non-specific EOI.
	if err := pic.HandleIO(PICMasterCmdPort, devbus.DirectionOut, 1, []byte{0x20}); err != nil {
		t.Fatalf("EOI: %v", err)
	}
	if _, ok := pic.PendingVector(); !ok {
		t.Fatalf("PendingVector after EOI: want ok")
	}
}

type fakeIRQRaiser struct {
	raised []uint32
}

func (f *fakeIRQRaiser) RaiseIRQ(line uint32) error {
	f.raised = append(f.raised, line)
	return nil
}

func TestSerialWriteGoesToOutputAndSetsTHRE(t *testing.T) {
	var buf bytes.Buffer
	raiser := &fakeIRQRaiser{}
	s := NewSerial(&buf, raiser)

	if err := s.HandleIO(COM1Base+regRHRTHRDLL, devbus.DirectionOut, 1, []byte{'A'}); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if buf.String() != "A" {
		t.Fatalf("output = %q, want %q", buf.String(), "A")
	}

	lsr := []byte{0}
	if err := s.HandleIO(COM1Base+regLSR, devbus.DirectionIn, 1, lsr); err != nil {
		t.Fatalf("HandleIO LSR: %v", err)
	}
	if lsr[0]&lsrTHRE == 0 {
		t.Fatalf("LSR THRE bit not set after write")
	}
}

func TestSerialRaisesIRQWhenTHREEnabled(t *testing.T) {
	var buf bytes.Buffer
	raiser := &fakeIRQRaiser{}
	s := NewSerial(&buf, raiser)

	// Enable THRE interrupt via IER.
	if err := s.HandleIO(COM1Base+regIERDLH, devbus.DirectionOut, 1, []byte{0x02}); err != nil {
		t.Fatalf("HandleIO IER: %v", err)
	}
	if err := s.HandleIO(COM1Base+regRHRTHRDLL, devbus.DirectionOut, 1, []byte{'x'}); err != nil {
		t.Fatalf("HandleIO THR: %v", err)
	}
	if len(raiser.raised) != 1 || raiser.raised[0] != IRQSerial1 {
		t.Fatalf("raised = %v, want [%d]", raiser.raised, IRQSerial1)
	}
}

func TestPITCountdownFiresTimerIRQ(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	p := NewPIT(raiser)

	// LOHI write of 2 to counter 0.
	if err := p.HandleIO(PITCounter0, devbus.DirectionOut, 1, []byte{2}); err != nil {
		t.Fatalf("write LSB: %v", err)
	}
	if err := p.HandleIO(PITCounter0, devbus.DirectionOut, 1, []byte{0}); err != nil {
		t.Fatalf("write MSB: %v", err)
	}

	if err := p.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raiser.raised) != 0 {
		t.Fatalf("raised after first tick = %v, want none", raiser.raised)
	}
	if err := p.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raiser.raised) != 1 || raiser.raised[0] != IRQTimer {
		t.Fatalf("raised after second tick = %v, want [%d]", raiser.raised, IRQTimer)
	}
}

func TestRTCPeriodicInterruptRespectsEnableBit(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	r := NewRTC(raiser)

	if err := r.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raiser.raised) != 0 {
		t.Fatalf("raised with PIE disabled = %v, want none", raiser.raised)
	}

	// Select REG_B and set PIE.
	r.HandleIO(RTCPortIndex, devbus.DirectionOut, 1, []byte{rtcRegB})
	r.HandleIO(RTCPortData, devbus.DirectionOut, 1, []byte{rtcBPIE})

	if err := r.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raiser.raised) != 1 || raiser.raised[0] != IRQRTC {
		t.Fatalf("raised = %v, want [%d]", raiser.raised, IRQRTC)
	}

	// REG_C should report the flags and clear on read.
	r.HandleIO(RTCPortIndex, devbus.DirectionOut, 1, []byte{rtcRegC})
	data := []byte{0}
	r.HandleIO(RTCPortData, devbus.DirectionIn, 1, data)
	if data[0]&rtcCPF == 0 {
		t.Fatalf("REG_C PF bit not set after periodic tick")
	}
	r.HandleIO(RTCPortData, devbus.DirectionIn, 1, data)
	if data[0] != 0 {
		t.Fatalf("REG_C not cleared on second read: %#x", data[0])
	}
}

func TestKeyboardPushAndDrainScancode(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	k := NewKeyboard(raiser)

	status := []byte{0}
	k.HandleIO(KeyboardPortStatus, devbus.DirectionIn, 1, status)
	if status[0] != 0 {
		t.Fatalf("status before push = %#x, want 0", status[0])
	}

	if err := k.PushScancode(0x1E); err != nil {
		t.Fatalf("PushScancode: %v", err)
	}
	if len(raiser.raised) != 1 || raiser.raised[0] != IRQKeyboard {
		t.Fatalf("raised = %v, want [%d]", raiser.raised, IRQKeyboard)
	}

	k.HandleIO(KeyboardPortStatus, devbus.DirectionIn, 1, status)
	if status[0]&statusOutputFull == 0 {
		t.Fatalf("status after push = %#x, want output-full bit set", status[0])
	}

	data := []byte{0}
	k.HandleIO(KeyboardPortData, devbus.DirectionIn, 1, data)
	if data[0] != 0x1E {
		t.Fatalf("data = %#x, want 0x1E", data[0])
	}

	k.HandleIO(KeyboardPortStatus, devbus.DirectionIn, 1, status)
	if status[0] != 0 {
		t.Fatalf("status after drain = %#x, want 0", status[0])
	}
}
