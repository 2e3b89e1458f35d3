package vmm

import (
	"context"
	"sync"
)

// SoftwareExecutor is a pure-Go Executor with no real hardware
// virtualization behind it: Run returns exits from a per-VCPU scripted
// queue instead of trapping out of guest execution. It exists for
// environments without /dev/kvm (and for deterministic tests), the way
// the teacher's own code has no software fallback at all — this is this
// port's answer to "what drives a VCPU when exec_kvm.go can't build".
type SoftwareExecutor struct {
	mu      sync.Mutex
	created bool
	regions []MemoryRegion
	vcpus   []*softwareVCPU
	closed  bool
}

type softwareVCPU struct {
	regs       Regs
	sregs      Sregs
	pendingInt []uint32
	pendingExc *pendingException
	// exits is a caller-supplied queue of canned exits consumed in order
	// by Run; once drained, Run synthesizes a Hlt exit so callers that
	// don't script anything still make progress.
	exits []ExitInfo
}

type pendingException struct {
	class        uint32
	errorCode    uint32
	hasErrorCode bool
}

// NewSoftwareExecutor returns an Executor with no backing hardware.
func NewSoftwareExecutor() *SoftwareExecutor {
	return &SoftwareExecutor{}
}

func (e *SoftwareExecutor) CreateVM() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = true
	return nil
}

func (e *SoftwareExecutor) SetUserMemoryRegion(region MemoryRegion) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.created {
		return newInvalidState("vmm: SetUserMemoryRegion before CreateVM")
	}
	e.regions = append(e.regions, region)
	return nil
}

// Regions returns the memory regions installed via SetUserMemoryRegion so
// far, in installation order. Test-only introspection hook; exec_kvm has no
// equivalent since real KVM state isn't readable back out this way.
func (e *SoftwareExecutor) Regions() []MemoryRegion {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MemoryRegion, len(e.regions))
	copy(out, e.regions)
	return out
}

func (e *SoftwareExecutor) CreateVCPU(id int) (VCPUHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.created {
		return 0, newInvalidState("vmm: CreateVCPU before CreateVM")
	}
	e.vcpus = append(e.vcpus, &softwareVCPU{})
	return VCPUHandle(len(e.vcpus) - 1), nil
}

func (e *SoftwareExecutor) vcpu(h VCPUHandle) (*softwareVCPU, error) {
	if int(h) < 0 || int(h) >= len(e.vcpus) {
		return nil, newNotFound("vmm: no such vcpu handle %d", h)
	}
	return e.vcpus[h], nil
}

func (e *SoftwareExecutor) GetRegs(h VCPUHandle) (Regs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return Regs{}, err
	}
	return v.regs, nil
}

func (e *SoftwareExecutor) SetRegs(h VCPUHandle, regs Regs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return err
	}
	v.regs = regs
	return nil
}

func (e *SoftwareExecutor) GetSregs(h VCPUHandle) (Sregs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return Sregs{}, err
	}
	return v.sregs, nil
}

func (e *SoftwareExecutor) SetSregs(h VCPUHandle, sregs Sregs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return err
	}
	v.sregs = sregs
	return nil
}

// ScriptExit appends an exit to be returned by a future Run call on h, in
// FIFO order. Test-only knob; exec_kvm has no equivalent since its exits
// come from real hardware.
func (e *SoftwareExecutor) ScriptExit(h VCPUHandle, exit ExitInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return err
	}
	v.exits = append(v.exits, exit)
	return nil
}

func (e *SoftwareExecutor) Run(ctx context.Context, h VCPUHandle) (ExitInfo, error) {
	if err := ctx.Err(); err != nil {
		return ExitInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return ExitInfo{}, err
	}
	if len(v.pendingInt) > 0 || v.pendingExc != nil {
		info := ExitInfo{Reason: ExitExternalInterrupt, GuestRIP: v.regs.PC}
		if v.pendingExc != nil {
			info.Reason = ExitException
			info.ArchData = map[string]uint64{
				"class":     uint64(v.pendingExc.class),
				"errorCode": uint64(v.pendingExc.errorCode),
			}
			v.pendingExc = nil
		} else {
			v.pendingInt = v.pendingInt[1:]
		}
		return info, nil
	}
	if len(v.exits) == 0 {
		return ExitInfo{Reason: ExitHlt, GuestRIP: v.regs.PC}, nil
	}
	next := v.exits[0]
	v.exits = v.exits[1:]
	return next, nil
}

func (e *SoftwareExecutor) InjectInterrupt(h VCPUHandle, vector uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return err
	}
	v.pendingInt = append(v.pendingInt, vector)
	return nil
}

func (e *SoftwareExecutor) InjectException(h VCPUHandle, class, errorCode uint32, hasErrorCode bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vcpu(h)
	if err != nil {
		return err
	}
	v.pendingExc = &pendingException{class: class, errorCode: errorCode, hasErrorCode: hasErrorCode}
	return nil
}

func (e *SoftwareExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
