// Package kernel assembles every hypercore subsystem into one running
// instance: physical frame allocation, second-stage translation, the host
// interrupt controller and dispatcher, the thread scheduler, the VM/VCPU
// manager and the legacy platform device set a guest's firmware expects to
// find. Grounded on the teacher's core_engine/virtual_machine.go
// NewVirtualMachine, which built a single VM's resources in a fixed order
// with rollback on the first failure; this generalizes that to a
// multi-VM-capable kernel whose subsystems outlive any one VM.
package kernel

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"example.com/hypercore/internal/devbus"
	"example.com/hypercore/internal/devices"
	"example.com/hypercore/internal/gstage"
	"example.com/hypercore/internal/hvlog"
	"example.com/hypercore/internal/irq"
	"example.com/hypercore/internal/irqchip"
	"example.com/hypercore/internal/mm"
	"example.com/hypercore/internal/sched"
	"example.com/hypercore/internal/vmm"
)

// Config describes the host environment a Kernel boots into.
type Config struct {
	// ISA selects the host interrupt controller: Gic for ARM64, Plic for
	// RISC-V, Generic8259 for x86_64.
	ISA irqchip.ISA
	// NumIRQs sizes the chosen controller's line count.
	NumIRQs int
	// NumCPUs sizes the scheduler's per-CPU run queues and the interrupt
	// dispatcher's per-CPU stat buckets.
	NumCPUs int
	// MemoryBase/MemorySize describe the physical RAM region frames and
	// guest-physical mappings are carved from.
	MemoryBase uint64
	MemorySize uint64
	// MaxVMs bounds how many VMIDs second-stage translation contexts can
	// be handed out for.
	MaxVMs int
	// SchedPolicy selects the scheduler's preemption policy; zero value
	// is sched.PolicyRR.
	SchedPolicy sched.Policy
	// Console receives guest serial output; nil defaults to os.Stdout.
	Console io.Writer
	// NewExecutor builds the vmm.Executor backing newly created VMs; nil
	// defaults to vmm.NewSoftwareExecutor, since vmm.NewKVMExecutor
	// requires a real /dev/kvm host and Linux build tag. A caller running
	// on real KVM-capable hardware supplies vmm.NewKVMExecutor instead.
	NewExecutor func() (vmm.Executor, error)
}

func (c Config) withDefaults() Config {
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.MaxVMs <= 0 {
		c.MaxVMs = 64
	}
	if c.Console == nil {
		c.Console = os.Stdout
	}
	if c.NewExecutor == nil {
		c.NewExecutor = func() (vmm.Executor, error) { return vmm.NewSoftwareExecutor(), nil }
	}
	return c
}

// Kernel owns every long-lived subsystem singleton a hypercore instance
// needs, wired together once at boot and shared by every VM it creates
// afterward.
type Kernel struct {
	cfg Config
	log *slog.Logger

	Frames     *mm.FrameAllocator
	GuestStage *gstage.Manager
	Controller irqchip.Controller
	IRQ        *irq.Manager
	Scheduler  *sched.Scheduler
	VMs        *vmm.Manager

	IOBus   *devbus.IOBus
	MMIOBus *devbus.MMIOBus

	PIC      *devices.PIC
	PIT      *devices.PIT
	Serial   *devices.Serial
	RTC      *devices.RTC
	Keyboard *devices.Keyboard
}

// New builds a Kernel's subsystems in dependency order and returns the
// first error any step reports. Nothing already constructed is rolled
// back: the steps before the controller selection only build in-memory
// state.
func New(cfg Config) (*Kernel, error) {
	cfg = cfg.withDefaults()
	log := hvlog.For("kernel")

	if cfg.MemorySize == 0 {
		return nil, fmt.Errorf("kernel: memory size must be non-zero")
	}

	frames := mm.NewFrameAllocator(mm.PhysAddr(cfg.MemoryBase), cfg.MemorySize)
	frames.AddFreeRegion(mm.PhysAddr(cfg.MemoryBase), cfg.MemorySize)
	memory := mm.NewMemory(mm.PhysAddr(cfg.MemoryBase), cfg.MemorySize)

	gstageMgr := gstage.NewManager(cfg.MaxVMs, frames, memory, gstageInvalidate(log))

	controller, err := irqchip.NewForISA(cfg.ISA, cfg.NumIRQs)
	if err != nil {
		return nil, fmt.Errorf("kernel: selecting interrupt controller: %w", err)
	}
	if err := controller.Init(); err != nil {
		return nil, fmt.Errorf("kernel: initializing interrupt controller: %w", err)
	}

	irqMgr := irq.NewManager(controller, cfg.NumCPUs)

	policy := cfg.SchedPolicy
	scheduler := sched.NewScheduler(cfg.NumCPUs, policy)

	vmMgr := vmm.NewManager(gstageMgr, frames, memory, cfg.NewExecutor)

	ioBus := devbus.NewIOBus()
	mmioBus := devbus.NewMMIOBus()

	pic := devices.NewPIC()
	pit := devices.NewPIT(pic)
	serial := devices.NewSerial(cfg.Console, pic)
	rtc := devices.NewRTC(pic)
	keyboard := devices.NewKeyboard(pic)

	ioBus.RegisterDevice(devices.PICMasterCmdPort, devices.PICMasterDataPort, pic)
	ioBus.RegisterDevice(devices.PICSlaveCmdPort, devices.PICSlaveDataPort, pic)
	ioBus.RegisterDevice(devices.PITCounter0, devices.PITCommand, pit)
	ioBus.RegisterDevice(devices.PITStatus, devices.PITStatus, pit)
	ioBus.RegisterDevice(devices.COM1Base, devices.COM1End, serial)
	ioBus.RegisterDevice(devices.RTCPortIndex, devices.RTCPortData, rtc)
	ioBus.RegisterDevice(devices.KeyboardPortData, devices.KeyboardPortData, keyboard)
	ioBus.RegisterDevice(devices.KeyboardPortStatus, devices.KeyboardPortStatus, keyboard)

	log.Info("kernel initialized", "isa", cfg.ISA, "num_cpus", cfg.NumCPUs, "max_vms", cfg.MaxVMs)

	return &Kernel{
		cfg:        cfg,
		log:        log,
		Frames:     frames,
		GuestStage: gstageMgr,
		Controller: controller,
		IRQ:        irqMgr,
		Scheduler:  scheduler,
		VMs:        vmMgr,
		IOBus:      ioBus,
		MMIOBus:    mmioBus,
		PIC:        pic,
		PIT:        pit,
		Serial:     serial,
		RTC:        rtc,
		Keyboard:   keyboard,
	}, nil
}

// gstageInvalidate returns the TLB-invalidation callback gstage.Manager
// drives on unmap/destroy; no host hardware TLB exists in this port's
// software-executor path, so it only logs, matching the teacher's own
// observation that cache/TLB shootdown is architecture-specific glue the
// VMM layer itself doesn't own.
func gstageInvalidate(log *slog.Logger) gstage.InvalidateFunc {
	return func(vmid uint16, gpa gstage.Gpa, full bool) {
		log.Debug("guest-stage TLB invalidate", "vmid", vmid, "gpa", gpa, "full", full)
	}
}

// CreateVM allocates a VM through the kernel's vmm.Manager. A thin
// passthrough rather than a wrapper, kept so callers only need to hold a
// *Kernel, not also thread vmMgr through separately.
func (k *Kernel) CreateVM(cfg vmm.Config) (*vmm.VM, error) {
	return k.VMs.CreateVM(cfg)
}

// Shutdown tears down every VM still registered, returning the first
// DestroyVM error. The host interrupt controller and the other kernel
// subsystems are left as they are.
func (k *Kernel) Shutdown() error {
	var firstErr error
	for _, vm := range k.VMs.ListVMs() {
		if err := k.VMs.DestroyVM(vm.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.log.Info("kernel shutdown complete")
	return firstErr
}
