package vmm

import "context"

// Executor is the architecture- and hypervisor-backend-agnostic interface
// VM/VCPU drive to create virtual machines, set up guest memory, and run
// VCPUs to their next exit. Grounded on the teacher's hypervisor package
// (DoKVMCreateVM/DoKVMCreateVCPU/DoKVMSetUserMemoryRegion/DoKVMGetRegs/
// DoKVMSetRegs/DoKVMGetSregs/DoKVMSetSregs/DoKVMInjectInterrupt), pulled
// out from free functions tied to one backend into an interface so
// exec_kvm (real hardware) and exec_software (deterministic tests) can
// both satisfy it. One Executor instance corresponds to one VM.
type Executor interface {
	// CreateVM performs whatever backend-level VM object creation is
	// needed (e.g. the KVM_CREATE_VM ioctl) before any VCPU or memory
	// region can be installed.
	CreateVM() error

	// SetUserMemoryRegion installs or updates a guest-physical memory
	// mapping backed by host memory at region.HostVirtAddr.
	SetUserMemoryRegion(region MemoryRegion) error

	// CreateVCPU allocates backend state for VCPU index id and returns an
	// opaque handle passed back into the Regs/Sregs/Run/Inject calls.
	CreateVCPU(id int) (VCPUHandle, error)

	GetRegs(h VCPUHandle) (Regs, error)
	SetRegs(h VCPUHandle, regs Regs) error
	GetSregs(h VCPUHandle) (Sregs, error)
	SetSregs(h VCPUHandle, sregs Sregs) error

	// Run transfers control to the guest and blocks until the next VM
	// exit (or ctx is cancelled, where supported), returning the decoded
	// exit record.
	Run(ctx context.Context, h VCPUHandle) (ExitInfo, error)

	// InjectInterrupt sets the architecture-defined pending-virtual-
	// interrupt state for delivery on the next VM-entry.
	InjectInterrupt(h VCPUHandle, vector uint32) error

	// InjectException populates the architecture-defined exception-
	// injection field for delivery on the next VM-entry.
	InjectException(h VCPUHandle, class uint32, errorCode uint32, hasErrorCode bool) error

	// Close releases the VCPU and VM-level backend resources.
	Close() error
}

// VCPUHandle is an opaque per-VCPU handle an Executor hands back from
// CreateVCPU (a slice index in both exec_kvm and exec_software; exec_kvm
// maps it to the KVM vcpu file descriptor).
type VCPUHandle int
