package kernel

import (
	"context"

	"example.com/hypercore/internal/devbus"
	"example.com/hypercore/internal/hverr"
	"example.com/hypercore/internal/vmm"
)

// invalidAccessExceptionClass is the exception vector injected into the
// guest when a device bus rejects an access as InvalidAccess (unmapped
// range, or an unsupported access width) — x86's #GP, reused here as the
// generic access-fault vector since this port's ARM64/RISC-V exit paths
// don't distinguish a finer-grained class this far from the ISA.
const invalidAccessExceptionClass = 13

// RunVCPU drives vcpu through VM-entry/exit cycles, routing ExitIoAccess
// and ExitMmioAccess exits to the kernel's device buses and re-entering the
// guest, until a non-device exit (Hlt, Shutdown, an unhandled exception,
// ...) occurs. Grounded on the teacher's implicit run loop (core_engine/
// vcpu.go's Run handled I/O exits inline before returning to its caller);
// this port separates VCPU.Run's single-step state machine from the
// multi-step dispatch loop so tests can still drive one VM-entry at a time.
func (k *Kernel) RunVCPU(ctx context.Context, vcpu *vmm.VCPU) (vmm.ExitInfo, error) {
	for {
		exit, err := vcpu.Run(ctx)
		if err != nil {
			return vmm.ExitInfo{}, err
		}

		var dispatchErr error
		switch exit.Reason {
		case vmm.ExitIoAccess:
			dispatchErr = k.dispatchIOExit(vcpu, exit)
		case vmm.ExitMmioAccess:
			dispatchErr = k.dispatchMMIOExit(vcpu, exit)
		default:
			return exit, nil
		}
		if dispatchErr != nil {
			return vmm.ExitInfo{}, dispatchErr
		}

		if err := vcpu.MarkReady(); err != nil {
			return vmm.ExitInfo{}, err
		}
	}
}

// dispatchIOExit decodes an ExitIoAccess's port/direction/size/value out of
// ArchData, routes it through the kernel's IOBus, and writes the result
// back for an In access. An InvalidAccess from the bus (unsupported size,
// or no device registered for the port) injects a guest exception and
// returns nil so the run loop re-enters the guest instead of aborting,
// per spec's "return an InvalidAccess error rather than aborting" wording.
func (k *Kernel) dispatchIOExit(vcpu *vmm.VCPU, exit vmm.ExitInfo) error {
	port := uint16(exit.ArchData["port"])
	dir := devbus.Direction(exit.ArchData["direction"])
	size := uint8(exit.ArchData["size"])

	var buf [8]byte
	putLE(buf[:], exit.ArchData["value"], size)

	err := k.IOBus.HandleIO(port, dir, size, buf[:size])
	if hverr.Is(err, hverr.InvalidAccess) {
		return vcpu.InjectException(invalidAccessExceptionClass, 0, false)
	}
	if err != nil {
		return err
	}
	if dir == devbus.DirectionIn && exit.ArchData != nil {
		exit.ArchData["value"] = getLE(buf[:size])
	}
	return nil
}

// dispatchMMIOExit is dispatchIOExit's MMIO-side twin, keyed by address
// instead of port.
func (k *Kernel) dispatchMMIOExit(vcpu *vmm.VCPU, exit vmm.ExitInfo) error {
	addr := exit.ArchData["addr"]
	dir := devbus.Direction(exit.ArchData["direction"])
	size := uint8(exit.ArchData["size"])

	var buf [8]byte
	putLE(buf[:], exit.ArchData["value"], size)

	err := k.MMIOBus.HandleMMIO(addr, dir, size, buf[:size])
	if hverr.Is(err, hverr.InvalidAccess) {
		return vcpu.InjectException(invalidAccessExceptionClass, 0, false)
	}
	if err != nil {
		return err
	}
	if dir == devbus.DirectionIn && exit.ArchData != nil {
		exit.ArchData["value"] = getLE(buf[:size])
	}
	return nil
}

// putLE/getLE pack and unpack up to 8 bytes little-endian, used to turn an
// exit's scalar ArchData["value"] into the byte slice devbus's PioDevice/
// MmioDevice interfaces expect and back again.
func putLE(dst []byte, value uint64, size uint8) {
	for i := uint8(0); i < size && int(i) < len(dst); i++ {
		dst[i] = byte(value >> (8 * i))
	}
}

func getLE(src []byte) uint64 {
	var v uint64
	for i, b := range src {
		v |= uint64(b) << (8 * i)
	}
	return v
}
