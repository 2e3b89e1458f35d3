package vmm

import (
	"context"
	"sync"
)

// VCPU is one virtual CPU belonging to a VM: its lifecycle state, the
// executor handle backing it, and the last decoded exit. Grounded on the
// teacher's VCPU, generalized from its fixed KVM_RUN loop (core_engine/
// vcpu.go's Run) into the explicit Uninitialized/Ready/Running/Blocked/
// Exited state machine spec.md §4.12 names.
type VCPU struct {
	mu sync.Mutex

	id       int
	vm       *VM
	exec     Executor
	handle   VCPUHandle
	state    VCPUState
	lastExit ExitInfo
}

// ID returns the VCPU's index within its VM.
func (v *VCPU) ID() int { return v.id }

// Handle returns the VCPU's opaque executor handle, for callers (the
// kernel's VM-exit dispatch loop, or a test harness) that must drive the
// Executor directly rather than through VCPU's own wrappers.
func (v *VCPU) Handle() VCPUHandle { return v.handle }

// State returns the VCPU's current lifecycle state.
func (v *VCPU) State() VCPUState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// GetRegs/SetRegs/GetSregs/SetSregs pass through to the executor.
func (v *VCPU) GetRegs() (Regs, error)   { return v.exec.GetRegs(v.handle) }
func (v *VCPU) SetRegs(r Regs) error     { return v.exec.SetRegs(v.handle, r) }
func (v *VCPU) GetSregs() (Sregs, error) { return v.exec.GetSregs(v.handle) }
func (v *VCPU) SetSregs(s Sregs) error   { return v.exec.SetSregs(v.handle, s) }

// LastExit returns the most recently decoded exit record.
func (v *VCPU) LastExit() ExitInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastExit
}

// Run executes one VM-entry/VM-exit cycle, per spec.md §4.12's run()
// steps:
//  1. Refuse if state is not in {Ready, Running}.
//  2-4. (host context save / guest context load / VM-entry) are the
//     executor's responsibility inside Run.
//  5-6. Decode the exit on return.
//  7. (guest context save / host context restore) are likewise the
//     executor's responsibility.
//  8. Set state to Exited and return the decoded ExitInfo.
func (v *VCPU) Run(ctx context.Context) (ExitInfo, error) {
	v.mu.Lock()
	if v.state != VCPUReady && v.state != VCPURunning {
		s := v.state
		v.mu.Unlock()
		return ExitInfo{}, newInvalidState("vmm: vcpu %d cannot run from state %s", v.id, s)
	}
	v.state = VCPURunning
	v.mu.Unlock()

	info, err := v.exec.Run(ctx, v.handle)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		// A failed VM-entry/exit leaves the VCPU Ready rather than Exited:
		// the caller may retry (e.g. after a cancelled wait) without
		// having lost the VCPU permanently, matching "Blocked" being a
		// valid post-exit state alongside "Exited" in spec.md's diagram.
		v.state = VCPUReady
		return ExitInfo{}, err
	}
	v.lastExit = info
	v.state = VCPUExited
	return info, nil
}

// MarkReady transitions an Exited (or Blocked) VCPU back to Ready so the
// scheduler can select it for another Run cycle.
func (v *VCPU) MarkReady() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != VCPUExited && v.state != VCPUBlocked {
		return newInvalidState("vmm: vcpu %d cannot become Ready from state %s", v.id, v.state)
	}
	v.state = VCPUReady
	return nil
}

// Block transitions a Running or Exited VCPU to Blocked (e.g. while the
// host services an I/O exit that must wait).
func (v *VCPU) Block() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != VCPURunning && v.state != VCPUExited {
		return newInvalidState("vmm: vcpu %d cannot block from state %s", v.id, v.state)
	}
	v.state = VCPUBlocked
	return nil
}

// InjectInterrupt sets the architecture-defined pending-virtual-interrupt
// bit; delivered on the next VM-entry if the guest has interrupts
// enabled, per spec.md §4.12.
//
// Multi-stage correctness: if this VCPU has already exited with a
// pending interrupt that the host hasn't consumed, calling InjectInterrupt
// again only adds to the executor's own pending-interrupt queue — it
// never clobbers state the previous exit was carrying, since the
// executor (not this wrapper) owns that queue across exits.
func (v *VCPU) InjectInterrupt(vector uint32) error {
	return v.exec.InjectInterrupt(v.handle, vector)
}

// InjectException populates the architecture-defined exception-injection
// field with class and optional error code; delivered on the next
// VM-entry, per spec.md §4.12.
func (v *VCPU) InjectException(class uint32, errorCode uint32, hasErrorCode bool) error {
	return v.exec.InjectException(v.handle, class, errorCode, hasErrorCode)
}

func (v *VCPU) resetLocked() {
	v.state = VCPUReady
	v.lastExit = ExitInfo{}
}

func (v *VCPU) close() {
	v.mu.Lock()
	v.state = VCPUUninitialized
	v.mu.Unlock()
}
