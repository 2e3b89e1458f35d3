package vmm

import (
	"fmt"
	"sync"
	"unsafe"

	"example.com/hypercore/internal/gstage"
	"example.com/hypercore/internal/mm"
	"example.com/hypercore/internal/syncutil"
)

// DeviceMapping records one device's guest-physical MMIO window, so
// UnmapDevice and translate_guest_phys's device-list fallback (spec.md
// §4.11) have somewhere to look it up.
type DeviceMapping struct {
	Name    string
	GPABase gstage.Gpa
	Size    uint64
	HPABase gstage.Hpa
}

// VM is one guest machine: its state machine, VMID/stage-2 context,
// reserved guest memory, device list, and VCPUs. Grounded on the
// teacher's VirtualMachine, generalized from its hardwired x86/KVM/PIC
// construction into the Executor-backed, ISA-neutral shape spec.md §4.11
// calls for.
type VM struct {
	mu sync.Mutex

	id      uint64
	cfg     Config
	state   VMState
	ctx     *gstage.Context
	exec    Executor
	frames  *mm.FrameAllocator
	memBase mm.PhysAddr

	devices []DeviceMapping
	vcpus   []*VCPU
}

// Manager owns the VM registry: VMID allocation, creation, and lifecycle
// transitions. One Manager per host, matching spec.md §5's "global VM
// registry" singleton.
type Manager struct {
	lock syncutil.SpinLock

	nextID  uint64
	vms     map[uint64]*VM
	gstage  *gstage.Manager
	frames  *mm.FrameAllocator
	memory  *mm.Memory
	newExec func() (Executor, error)
}

// NewManager returns a VM manager backed by gs for guest-stage contexts,
// frames for guest memory reservation, memory for the byte-addressable view
// of that same reservation (installed into each VM's Executor via
// SetUserMemoryRegion), and newExec to construct one Executor per created VM
// (NewSoftwareExecutor for tests, a function wrapping NewKVMExecutor for
// real hardware).
func NewManager(gs *gstage.Manager, frames *mm.FrameAllocator, memory *mm.Memory, newExec func() (Executor, error)) *Manager {
	return &Manager{
		nextID:  1,
		vms:     make(map[uint64]*VM),
		gstage:  gs,
		frames:  frames,
		memory:  memory,
		newExec: newExec,
	}
}

// CreateVM validates cfg, allocates a VMID and stage-2 context, reserves
// guest physical memory, and initializes an empty device list, leaving
// the VM in VMCreated. Grounded on spec.md §4.11's create_vm: "validates
// the configuration, allocates a VMID and stage-2 context, reserves guest
// physical memory... and initializes an empty device list." Validation
// runs before any allocation, per the DESIGN.md-resolved Open Question
// (a bad config must not burn a VMID).
func (m *Manager) CreateVM(cfg Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, err := m.gstage.CreateContext(gstage.ModeSv48x4)
	if err != nil {
		return nil, err
	}

	frameCount := int((cfg.MemorySizeBytes + mm.PageSize - 1) / mm.PageSize)
	base, ok := m.frames.AllocateFrames(frameCount)
	if !ok {
		m.gstage.DestroyContext(ctx)
		return nil, newResourceUnavailable("vmm: could not reserve %d frames for VM memory", frameCount)
	}

	exec, err := m.newExec()
	if err != nil {
		m.frames.DeallocateFrames(base, frameCount)
		m.gstage.DestroyContext(ctx)
		return nil, err
	}
	if err := exec.CreateVM(); err != nil {
		m.frames.DeallocateFrames(base, frameCount)
		m.gstage.DestroyContext(ctx)
		return nil, err
	}

	hostBytes, err := m.memory.Bytes(base, cfg.MemorySizeBytes)
	if err != nil {
		exec.Close()
		m.frames.DeallocateFrames(base, frameCount)
		m.gstage.DestroyContext(ctx)
		return nil, err
	}
	region := MemoryRegion{
		GuestPhysAddr: 0,
		Size:          cfg.MemorySizeBytes,
		HostVirtAddr:  uintptr(unsafe.Pointer(&hostBytes[0])),
	}
	if err := exec.SetUserMemoryRegion(region); err != nil {
		exec.Close()
		m.frames.DeallocateFrames(base, frameCount)
		m.gstage.DestroyContext(ctx)
		return nil, err
	}

	m.lock.Lock()
	id := m.nextID
	m.nextID++
	vm := &VM{
		id:      id,
		cfg:     cfg,
		state:   VMCreated,
		ctx:     ctx,
		exec:    exec,
		frames:  m.frames,
		memBase: base,
	}
	m.vms[id] = vm
	m.lock.Unlock()

	for i := 0; i < cfg.NumVCPUs; i++ {
		if _, err := vm.createVCPU(i); err != nil {
			m.destroyLocked(vm)
			return nil, fmt.Errorf("vmm: creating vcpu %d: %w", i, err)
		}
	}

	for _, dev := range cfg.DeviceList {
		if err := vm.MapDevice(dev); err != nil {
			m.destroyLocked(vm)
			return nil, fmt.Errorf("vmm: mapping device %q from create_vm's device_list: %w", dev.Name, err)
		}
	}
	return vm, nil
}

// Lookup returns the VM with the given id.
func (m *Manager) Lookup(id uint64) (*VM, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	vm, ok := m.vms[id]
	return vm, ok
}

// ListVMs returns every VM currently registered, in no particular order.
// Used by callers (a shutdown path, a debug CLI) that need to enumerate
// the registry rather than look up one known id.
func (m *Manager) ListVMs() []*VM {
	m.lock.Lock()
	defer m.lock.Unlock()
	vms := make([]*VM, 0, len(m.vms))
	for _, vm := range m.vms {
		vms = append(vms, vm)
	}
	return vms
}

func (m *Manager) destroyLocked(vm *VM) {
	m.lock.Lock()
	delete(m.vms, vm.id)
	m.lock.Unlock()
	vm.teardown(m.gstage)
}

// DestroyVM removes a VM from the registry. Permitted from any
// non-Running state; Running-destroy returns ResourceBusy per spec.md
// §4.11.
func (m *Manager) DestroyVM(id uint64) error {
	m.lock.Lock()
	vm, ok := m.vms[id]
	m.lock.Unlock()
	if !ok {
		return newNotFound("vmm: no VM with id %d", id)
	}

	vm.mu.Lock()
	if vm.state == VMRunning {
		vm.mu.Unlock()
		return newResourceBusy("vmm: VM %d is Running, stop it before destroying", id)
	}
	vm.state = VMTerminated
	vm.mu.Unlock()

	m.destroyLocked(vm)
	return nil
}

// ID returns the VM's VMID.
func (vm *VM) ID() uint64 { return vm.id }

// State returns the VM's current lifecycle state.
func (vm *VM) State() VMState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// VCPUs returns the VM's VCPUs in creation order.
func (vm *VM) VCPUs() []*VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]*VCPU, len(vm.vcpus))
	copy(out, vm.vcpus)
	return out
}

func (vm *VM) createVCPU(idx int) (*VCPU, error) {
	handle, err := vm.exec.CreateVCPU(idx)
	if err != nil {
		return nil, err
	}
	v := &VCPU{
		id:     idx,
		vm:     vm,
		exec:   vm.exec,
		handle: handle,
		state:  VCPUReady,
	}
	vm.mu.Lock()
	vm.vcpus = append(vm.vcpus, v)
	vm.mu.Unlock()
	return v, nil
}

// Start transitions Created -> Running.
func (vm *VM) Start() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != VMCreated && vm.state != VMPaused {
		return newInvalidState("vmm: VM %d cannot start from state %s", vm.id, vm.state)
	}
	vm.state = VMRunning
	return nil
}

// Stop transitions Running -> Paused.
func (vm *VM) Stop() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != VMRunning {
		return newInvalidState("vmm: VM %d cannot stop from state %s", vm.id, vm.state)
	}
	vm.state = VMPaused
	return nil
}

// Resume transitions Paused -> Running.
func (vm *VM) Resume() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != VMPaused {
		return newInvalidState("vmm: VM %d cannot resume from state %s", vm.id, vm.state)
	}
	vm.state = VMRunning
	return nil
}

// Reset transitions Created -> Resetting -> Created, per spec.md §4.11's
// state diagram; only valid while the VM is not actively running.
func (vm *VM) Reset() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state != VMCreated {
		return newInvalidState("vmm: VM %d cannot reset from state %s", vm.id, vm.state)
	}
	vm.state = VMResetting
	for _, v := range vm.vcpus {
		v.resetLocked()
	}
	vm.state = VMCreated
	return nil
}

// MapDevice installs a stage-2 mapping for dev's MMIO range with
// non-cacheable, read/write, non-executable flags, and records the
// device for later unmap, per spec.md §4.11.
func (vm *VM) MapDevice(dev DeviceMapping) error {
	flags := gstage.FlagRead | gstage.FlagWrite
	if err := vm.ctx.Map(dev.GPABase, dev.HPABase, dev.Size, flags); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.devices = append(vm.devices, dev)
	vm.mu.Unlock()
	return nil
}

// UnmapDevice removes dev's stage-2 mapping and its device-list entry.
func (vm *VM) UnmapDevice(name string) error {
	vm.mu.Lock()
	idx := -1
	for i, d := range vm.devices {
		if d.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		vm.mu.Unlock()
		return newNotFound("vmm: no device %q mapped in VM %d", name, vm.id)
	}
	dev := vm.devices[idx]
	vm.devices = append(vm.devices[:idx], vm.devices[idx+1:]...)
	vm.mu.Unlock()
	return vm.ctx.Unmap(dev.GPABase, dev.Size)
}

// TranslateGuestPhys consults the stage-2 tables first, then falls back
// to a linear scan of the device list (which may pass through identity
// mappings for MMIO), per spec.md §4.11's translate_guest_phys.
func (vm *VM) TranslateGuestPhys(gpa gstage.Gpa) (gstage.Hpa, error) {
	if hpa, err := vm.ctx.Translate(gpa); err == nil {
		return hpa, nil
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, d := range vm.devices {
		if gpa >= d.GPABase && gpa < d.GPABase+mm.PhysAddr(d.Size) {
			return d.HPABase + (gpa - d.GPABase), nil
		}
	}
	return 0, newNotFound("vmm: gpa 0x%x not mapped in VM %d", gpa, vm.id)
}

// StageContext exposes the VM's guest-stage context for C6/C7-facing code
// (fault handling, TLB invalidation wiring) that needs it directly.
func (vm *VM) StageContext() *gstage.Context { return vm.ctx }

// Executor exposes the VM's backend for callers (the kernel's VM-exit
// dispatch loop, or a test harness scripting exits) that need direct
// access to it rather than going through VM/VCPU's own wrappers.
func (vm *VM) Executor() Executor { return vm.exec }

func (vm *VM) teardown(gs *gstage.Manager) {
	for _, v := range vm.vcpus {
		v.close()
	}
	vm.exec.Close()
	frameCount := int((vm.cfg.MemorySizeBytes + mm.PageSize - 1) / mm.PageSize)
	vm.frames.DeallocateFrames(vm.memBase, frameCount)
	gs.DestroyContext(vm.ctx)
}
