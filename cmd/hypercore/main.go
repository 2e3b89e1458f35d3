// Command hypercore boots one kernel instance, creates a single demo VM
// from flag-supplied parameters, runs its VCPU(s) until they exit, and
// prints a summary. Grounded on the teacher's implicit
// NewVirtualMachine/Run/Stop/Close lifecycle (the teacher repo itself
// carries no cmd/main.go), in the terse demo style of
// cmd/elsie/main.go: wire the subsystem, drive a few cycles, print state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"example.com/hypercore/internal/hvlog"
	"example.com/hypercore/internal/irqchip"
	"example.com/hypercore/internal/kernel"
	"example.com/hypercore/internal/vmm"
)

func main() {
	var (
		isaName    = flag.String("isa", "x86_64", "host ISA: arm64, riscv64, or x86_64")
		memMB      = flag.Uint64("mem-mb", 64, "guest memory size in MiB")
		numVCPUs   = flag.Int("vcpus", 1, "number of VCPUs")
		numCPUs    = flag.Int("host-cpus", 1, "host CPU count for scheduler/interrupt sizing")
		numIRQs    = flag.Int("num-irqs", 64, "interrupt line count for the host controller")
		verbose    = flag.Bool("v", false, "enable debug logging")
		vmName     = flag.String("name", "demo", "name of the VM to create")
	)
	flag.Parse()

	if *verbose {
		hvlog.Level.Set(slog.LevelDebug)
	}

	isa, err := parseISA(*isaName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hypercore:", err)
		os.Exit(1)
	}

	k, err := kernel.New(kernel.Config{
		ISA:        isa,
		NumIRQs:    *numIRQs,
		NumCPUs:    *numCPUs,
		MemoryBase: 0,
		MemorySize: *memMB << 20,
		MaxVMs:     8,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hypercore: booting kernel:", err)
		os.Exit(1)
	}
	defer k.Shutdown()

	vm, err := k.CreateVM(vmm.Config{
		MemorySizeBytes: *memMB << 20,
		NumVCPUs:        *numVCPUs,
		Name:            *vmName,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hypercore: creating VM:", err)
		os.Exit(1)
	}

	if err := vm.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "hypercore: starting VM:", err)
		os.Exit(1)
	}

	fmt.Printf("hypercore: VM %d %q running, %d VCPU(s), %d MiB, isa=%s\n",
		vm.ID(), *vmName, *numVCPUs, *memMB, *isaName)

	ctx := context.Background()
	for _, vcpu := range vm.VCPUs() {
		exit, err := k.RunVCPU(ctx, vcpu)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hypercore: VCPU %d run error: %v\n", vcpu.ID(), err)
			continue
		}
		fmt.Printf("hypercore: VCPU %d exited: %s\n", vcpu.ID(), exit.Reason)
	}

	if err := vm.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "hypercore: stopping VM:", err)
	}
}

func parseISA(name string) (irqchip.ISA, error) {
	switch name {
	case "arm64":
		return irqchip.ISAArm64, nil
	case "riscv64":
		return irqchip.ISARiscv64, nil
	case "x86_64":
		return irqchip.ISAx86_64, nil
	default:
		return 0, fmt.Errorf("unknown ISA %q (want arm64, riscv64, or x86_64)", name)
	}
}
