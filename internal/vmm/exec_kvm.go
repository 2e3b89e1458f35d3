//go:build linux

package vmm

import (
	"context"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers. Grounded on the teacher's core_engine/hypervisor/
// kvm.go, whose own comments admit its constants are placeholders
// ("simplified examples... you'll need the actual constants"); corrected
// against other_examples/{c3fa215d_bobuhiro11-gokvm,
// 03ccc03d_jamlee-t-gokvm}'s kvm.go, which carry the real values derived
// from <linux/kvm.h>'s _IO/_IOR/_IOW/_IOWR macros.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
	kvmIRQLine             = 0xc008ae67
	kvmInterrupt           = 0x4004ae86
)

// kvmExitReason mirrors the real KVM_EXIT_* constants (distinct from this
// package's architecture-neutral ExitReason, which kvmExitReasonToExitReason
// maps onto).
const (
	kvmExitUnknown       = 0
	kvmExitException     = 1
	kvmExitIO            = 2
	kvmExitHypercall     = 3
	kvmExitDebug         = 4
	kvmExitHlt           = 5
	kvmExitMMIO          = 6
	kvmExitIRQWindowOpen = 7
	kvmExitShutdown      = 8
	kvmExitFailEntry     = 9
	kvmExitIntr          = 10
	kvmExitInternalError = 17
)

func kvmExitReasonToExitReason(r uint32) ExitReason {
	switch r {
	case kvmExitException:
		return ExitException
	case kvmExitIO:
		return ExitIoAccess
	case kvmExitMMIO:
		return ExitMmioAccess
	case kvmExitHypercall:
		return ExitHypercall
	case kvmExitHlt:
		return ExitHlt
	case kvmExitDebug:
		return ExitDebug
	case kvmExitShutdown:
		return ExitShutdown
	case kvmExitIntr:
		return ExitExternalInterrupt
	case kvmExitFailEntry, kvmExitInternalError:
		return ExitVmFail
	default:
		return ExitUnknown
	}
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                            uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type kvmDescriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                        kvmDescriptor
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [(256 + 63) / 64]uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *kvmRunData) ioParams() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]
	return
}

type kvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

type kvmInterruptArg struct {
	IRQ uint32
}

func ioctl(fd int, op uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// KVMExecutor drives /dev/kvm directly: one instance per VM, its VCPU
// handles are indexes into its list of KVM vcpu file descriptors. Grounded on the teacher's
// VirtualMachine/VCPU pairing in core_engine/{virtual_machine,vcpu}.go,
// generalized to the Executor interface and corrected ioctl table above.
type KVMExecutor struct {
	mu        sync.Mutex
	devKVMFd  int
	vmFd      int
	mmapSize  int
	vcpuFds   []int
	vcpuRuns  []*kvmRunData
	vcpuMmaps [][]byte
}

// NewKVMExecutor opens /dev/kvm and returns an Executor bound to it. The
// caller must still call CreateVM before any other Executor method.
func NewKVMExecutor() (*KVMExecutor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, newResourceUnavailable("vmm: open /dev/kvm: %v", err)
	}
	return &KVMExecutor{devKVMFd: fd}, nil
}

func (e *KVMExecutor) CreateVM() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.devKVMFd), uintptr(kvmCreateVM), 0)
	if errno != 0 {
		return newResourceUnavailable("vmm: KVM_CREATE_VM: %v", errno)
	}
	e.vmFd = int(fd)

	size, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.devKVMFd), uintptr(kvmGetVCPUMMapSize), 0)
	if errno != 0 {
		return newResourceUnavailable("vmm: KVM_GET_VCPU_MMAP_SIZE: %v", errno)
	}
	e.mmapSize = int(size)
	return nil
}

func (e *KVMExecutor) SetUserMemoryRegion(region MemoryRegion) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	kr := kvmUserspaceMemoryRegion{
		Slot:          region.Slot,
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.Size,
		UserspaceAddr: uint64(region.HostVirtAddr),
	}
	if region.ReadOnly {
		kr.Flags |= 1 << 1
	}
	if err := ioctl(e.vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(&kr))); err != nil {
		return newInvalidState("vmm: KVM_SET_USER_MEMORY_REGION: %v", err)
	}
	return nil
}

func (e *KVMExecutor) CreateVCPU(id int) (VCPUHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.vmFd), uintptr(kvmCreateVCPU), uintptr(id))
	if errno != 0 {
		return 0, newResourceUnavailable("vmm: KVM_CREATE_VCPU: %v", errno)
	}
	vcpuFd := int(fd)

	mem, err := unix.Mmap(vcpuFd, 0, e.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		return 0, newResourceUnavailable("vmm: mmap kvm_run: %v", err)
	}

	e.vcpuFds = append(e.vcpuFds, vcpuFd)
	e.vcpuMmaps = append(e.vcpuMmaps, mem)
	e.vcpuRuns = append(e.vcpuRuns, (*kvmRunData)(unsafe.Pointer(&mem[0])))
	return VCPUHandle(len(e.vcpuFds) - 1), nil
}

func (e *KVMExecutor) fdFor(h VCPUHandle) (int, error) {
	if int(h) < 0 || int(h) >= len(e.vcpuFds) {
		return 0, newNotFound("vmm: no such vcpu handle %d", h)
	}
	return e.vcpuFds[h], nil
}

func toKvmRegs(r Regs) kvmRegs {
	return kvmRegs{
		RAX: r.GPRs[0], RBX: r.GPRs[1], RCX: r.GPRs[2], RDX: r.GPRs[3],
		RSI: r.GPRs[4], RDI: r.GPRs[5], RSP: r.SP, RBP: r.GPRs[6],
		R8: r.GPRs[7], R9: r.GPRs[8], R10: r.GPRs[9], R11: r.GPRs[10],
		R12: r.GPRs[11], R13: r.GPRs[12], R14: r.GPRs[13], R15: r.GPRs[14],
		RIP: r.PC, RFLAGS: r.Flags,
	}
}

func fromKvmRegs(kr kvmRegs) Regs {
	var r Regs
	r.GPRs[0], r.GPRs[1], r.GPRs[2], r.GPRs[3] = kr.RAX, kr.RBX, kr.RCX, kr.RDX
	r.GPRs[4], r.GPRs[5], r.GPRs[6] = kr.RSI, kr.RDI, kr.RBP
	r.GPRs[7], r.GPRs[8], r.GPRs[9], r.GPRs[10] = kr.R8, kr.R9, kr.R10, kr.R11
	r.GPRs[11], r.GPRs[12], r.GPRs[13], r.GPRs[14] = kr.R12, kr.R13, kr.R14, kr.R15
	r.SP = kr.RSP
	r.PC = kr.RIP
	r.Flags = kr.RFLAGS
	return r
}

func toKvmSegment(s Segment) kvmSegment {
	return kvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
	}
}

func fromKvmSegment(s kvmSegment) Segment {
	return Segment{Base: s.Base, Limit: s.Limit, Selector: s.Selector, Type: s.Type, Present: s.Present, DPL: s.DPL}
}

func (e *KVMExecutor) GetRegs(h VCPUHandle) (Regs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, err := e.fdFor(h)
	if err != nil {
		return Regs{}, err
	}
	var kr kvmRegs
	if err := ioctl(fd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&kr))); err != nil {
		return Regs{}, newInvalidState("vmm: KVM_GET_REGS: %v", err)
	}
	return fromKvmRegs(kr), nil
}

func (e *KVMExecutor) SetRegs(h VCPUHandle, regs Regs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, err := e.fdFor(h)
	if err != nil {
		return err
	}
	kr := toKvmRegs(regs)
	if err := ioctl(fd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&kr))); err != nil {
		return newInvalidState("vmm: KVM_SET_REGS: %v", err)
	}
	return nil
}

func (e *KVMExecutor) GetSregs(h VCPUHandle) (Sregs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, err := e.fdFor(h)
	if err != nil {
		return Sregs{}, err
	}
	var ks kvmSregs
	if err := ioctl(fd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&ks))); err != nil {
		return Sregs{}, newInvalidState("vmm: KVM_GET_SREGS: %v", err)
	}
	return Sregs{
		PageTableBase: ks.CR3,
		ModeBits:      ks.CR0,
		Segments:      [6]Segment{fromKvmSegment(ks.CS), fromKvmSegment(ks.DS), fromKvmSegment(ks.ES), fromKvmSegment(ks.FS), fromKvmSegment(ks.GS), fromKvmSegment(ks.SS)},
	}, nil
}

func (e *KVMExecutor) SetSregs(h VCPUHandle, sregs Sregs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, err := e.fdFor(h)
	if err != nil {
		return err
	}
	var ks kvmSregs
	if err := ioctl(fd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&ks))); err != nil {
		return newInvalidState("vmm: KVM_GET_SREGS (pre-merge): %v", err)
	}
	ks.CR3 = sregs.PageTableBase
	ks.CR0 = sregs.ModeBits
	segs := [6]*kvmSegment{&ks.CS, &ks.DS, &ks.ES, &ks.FS, &ks.GS, &ks.SS}
	for i, s := range segs {
		*s = toKvmSegment(sregs.Segments[i])
	}
	if err := ioctl(fd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&ks))); err != nil {
		return newInvalidState("vmm: KVM_SET_SREGS: %v", err)
	}
	return nil
}

func (e *KVMExecutor) Run(ctx context.Context, h VCPUHandle) (ExitInfo, error) {
	if err := ctx.Err(); err != nil {
		return ExitInfo{}, err
	}
	e.mu.Lock()
	fd, err := e.fdFor(h)
	if err != nil {
		e.mu.Unlock()
		return ExitInfo{}, err
	}
	run := e.vcpuRuns[h]
	e.mu.Unlock()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(kvmRun), 0)
	if errno != 0 && errno != unix.EINTR {
		return ExitInfo{}, newInvalidState("vmm: KVM_RUN: %v", errno)
	}

	info := ExitInfo{Reason: kvmExitReasonToExitReason(run.ExitReason)}
	if run.ExitReason == kvmExitIO {
		direction, size, port, count, offset := run.ioParams()
		info.ArchData = map[string]uint64{
			"direction": direction,
			"size":      size,
			"port":      port,
			"count":     count,
			"offset":    offset,
		}
	}
	return info, nil
}

func (e *KVMExecutor) InjectInterrupt(h VCPUHandle, vector uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fd, err := e.fdFor(h)
	if err != nil {
		return err
	}
	arg := kvmInterruptArg{IRQ: vector}
	if err := ioctl(fd, uintptr(kvmInterrupt), uintptr(unsafe.Pointer(&arg))); err != nil {
		return newInvalidState("vmm: KVM_INTERRUPT: %v", err)
	}
	return nil
}

// InjectException has no direct KVM ioctl equivalent for the teacher's
// PIC-only setup (real exception injection needs KVM_SET_VCPU_EVENTS,
// which this executor does not wire since devbus only models an external
// 8259/IOAPIC path, not guest-visible CPU exceptions). NotImplemented
// here is an explicit, documented gap rather than a silent no-op.
func (e *KVMExecutor) InjectException(h VCPUHandle, class, errorCode uint32, hasErrorCode bool) error {
	return newNotImplemented("vmm: KVM exception injection requires KVM_SET_VCPU_EVENTS, not wired by this executor")
}

// SetIRQLine asserts or deasserts a legacy (PIC/IOAPIC) interrupt line,
// distinct from InjectInterrupt's per-VCPU vector delivery. Not part of
// the Executor interface since it targets the whole VM rather than one
// VCPU; nothing in this module calls it (the devices package raises its
// lines on devices.PIC instead).
func (e *KVMExecutor) SetIRQLine(irq uint32, level uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	arg := kvmIRQLevel{IRQ: irq, Level: level}
	if err := ioctl(e.vmFd, uintptr(kvmIRQLine), uintptr(unsafe.Pointer(&arg))); err != nil {
		return newInvalidState("vmm: KVM_IRQ_LINE: %v", err)
	}
	return nil
}

func (e *KVMExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, fd := range e.vcpuFds {
		if e.vcpuMmaps[i] != nil {
			unix.Munmap(e.vcpuMmaps[i])
		}
		unix.Close(fd)
	}
	if e.vmFd != 0 {
		unix.Close(e.vmFd)
	}
	if e.devKVMFd != 0 {
		unix.Close(e.devKVMFd)
	}
	return nil
}
