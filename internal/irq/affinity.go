package irq

import (
	"math/bits"

	"example.com/hypercore/internal/irqchip"
)

// MaxCPUs bounds the CPU masks this package tracks, matching
// original_source/core/irq/affinity.rs's MAX_CPUS.
const MaxCPUs = 64

// CpuMask is a bitmask over CPU indices [0, MaxCPUs). Grounded on
// affinity.rs's CpuMask.
type CpuMask uint64

func CpuMaskAll() CpuMask       { return ^CpuMask(0) }
func CpuMaskFromCPU(c int) CpuMask { return CpuMask(1) << uint(c) }

func (m CpuMask) Contains(c int) bool { return m&(CpuMask(1)<<uint(c)) != 0 }
func (m *CpuMask) Set(c int)          { *m |= CpuMask(1) << uint(c) }
func (m *CpuMask) Clear(c int)        { *m &^= CpuMask(1) << uint(c) }
func (m CpuMask) IsEmpty() bool       { return m == 0 }
func (m CpuMask) Count() int          { return bits.OnesCount64(uint64(m)) }
func (m CpuMask) And(o CpuMask) CpuMask { return m & o }
func (m CpuMask) Or(o CpuMask) CpuMask  { return m | o }
func (m CpuMask) Not() CpuMask          { return ^m }

// First returns the lowest-indexed CPU in the mask, or -1 if empty.
func (m CpuMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// CPUs returns every CPU index set in the mask, ascending.
func (m CpuMask) CPUs() []int {
	var out []int
	rest := m
	for rest != 0 {
		cpu := bits.TrailingZeros64(uint64(rest))
		out = append(out, cpu)
		rest &^= CpuMask(1) << uint(cpu)
	}
	return out
}

// CpuTopology maps CPU indices to the package/core they belong to, assuming
// a flat "8 cores per package, no SMT" layout as affinity.rs's CpuTopology
// does for its simple constructor.
type CpuTopology struct {
	TotalCPUs      int
	CoresPerPkg    int
	cpuToPackage   []int
	packageMasks   []CpuMask
	coreMasks      []CpuMask
}

// NewCpuTopology returns a topology over totalCPUs CPUs, 8 per package.
func NewCpuTopology(totalCPUs int) *CpuTopology {
	const coresPerPkg = 8
	t := &CpuTopology{TotalCPUs: totalCPUs, CoresPerPkg: coresPerPkg}
	t.cpuToPackage = make([]int, totalCPUs)
	for cpu := 0; cpu < totalCPUs; cpu++ {
		t.cpuToPackage[cpu] = cpu / coresPerPkg
	}
	packages := (totalCPUs + coresPerPkg - 1) / coresPerPkg
	t.packageMasks = make([]CpuMask, packages)
	for cpu := 0; cpu < totalCPUs; cpu++ {
		t.packageMasks[t.cpuToPackage[cpu]].Set(cpu)
	}
	// This port has no hyperthreading model, so "core" == "cpu": each core
	// mask contains exactly its one CPU, matching affinity.rs's simple
	// constructor (core_masks[core] = CpuMask::from_cpu(core)).
	t.coreMasks = make([]CpuMask, totalCPUs)
	for cpu := 0; cpu < totalCPUs; cpu++ {
		t.coreMasks[cpu] = CpuMaskFromCPU(cpu)
	}
	return t
}

func (t *CpuTopology) PackageCPUs(cpu int) CpuMask {
	if cpu < 0 || cpu >= len(t.cpuToPackage) {
		return 0
	}
	return t.packageMasks[t.cpuToPackage[cpu]]
}

func (t *CpuTopology) CoreCPUs(cpu int) CpuMask {
	if cpu < 0 || cpu >= len(t.coreMasks) {
		return 0
	}
	return t.coreMasks[cpu]
}

// LoadBalanceStrategy selects how select_target_cpu narrows an available
// mask down to one CPU.
type LoadBalanceStrategy int

const (
	StrategyNone LoadBalanceStrategy = iota
	StrategyRoundRobin
	StrategyLeastLoaded
	StrategyPackageAware
	StrategyCoreAware
	StrategyNumaAware
)

// AffinityHints narrows CalculateOptimalAffinity's CPU search. Grounded on
// affinity.rs's AffinityHints.
type AffinityHints struct {
	PreferredCPUs    CpuMask
	AvoidCPUs        CpuMask
	HighFrequency    bool
	LatencySensitive bool
}

// cpuIrqStats is one CPU's interrupt load estimator.
type cpuIrqStats struct {
	totalInterrupts   uint64
	spuriousInterrupts uint64
	avgProcessingTimeNs float64
}

const ewmaAlpha = 0.1

func (s *cpuIrqStats) recordInterrupt(processingTimeNs uint32) {
	s.totalInterrupts++
	if s.avgProcessingTimeNs == 0 {
		s.avgProcessingTimeNs = float64(processingTimeNs)
		return
	}
	s.avgProcessingTimeNs = ewmaAlpha*float64(processingTimeNs) + (1-ewmaAlpha)*s.avgProcessingTimeNs
}

func (s *cpuIrqStats) recordSpurious() { s.spuriousInterrupts++ }

// interruptRate approximates the original's interrupt-rate load metric as
// total interrupts divided by one plus the running average latency in
// milliseconds, so a
// CPU handling more, slower interrupts is considered more loaded.
func (s *cpuIrqStats) interruptRate() float64 {
	return float64(s.totalInterrupts) / (1 + s.avgProcessingTimeNs/1e6)
}

// AffinityManager owns CPU topology, online/active masks, per-CPU load
// estimators, and the IRQ affinity cache. Grounded on affinity.rs's
// InterruptAffinityManager.
type AffinityManager struct {
	topology   *CpuTopology
	onlineCPUs CpuMask
	activeCPUs CpuMask
	cpuStats   []cpuIrqStats
	strategy   LoadBalanceStrategy
	rrCounter  uint32

	affinityCache map[IrqNumber]CpuMask
}

// NewAffinityManager returns a manager over totalCPUs CPUs, all online and
// active, defaulting to the LeastLoaded strategy.
func NewAffinityManager(totalCPUs int) *AffinityManager {
	var online CpuMask
	if totalCPUs >= 64 {
		online = CpuMaskAll()
	} else {
		online = CpuMask(1)<<uint(totalCPUs) - 1
	}
	return &AffinityManager{
		topology:      NewCpuTopology(totalCPUs),
		onlineCPUs:    online,
		activeCPUs:    online,
		cpuStats:      make([]cpuIrqStats, totalCPUs),
		strategy:      StrategyLeastLoaded,
		affinityCache: make(map[IrqNumber]CpuMask),
	}
}

func (m *AffinityManager) Topology() *CpuTopology { return m.topology }

func (m *AffinityManager) SetOnlineCPUs(mask CpuMask) { m.onlineCPUs = mask }
func (m *AffinityManager) SetActiveCPUs(mask CpuMask) { m.activeCPUs = mask }
func (m *AffinityManager) OnlineCPUs() CpuMask        { return m.onlineCPUs }
func (m *AffinityManager) ActiveCPUs() CpuMask        { return m.activeCPUs }

func (m *AffinityManager) SetStrategy(s LoadBalanceStrategy) { m.strategy = s }
func (m *AffinityManager) Strategy() LoadBalanceStrategy      { return m.strategy }

func (m *AffinityManager) leastLoadedCPU(mask CpuMask) (int, bool) {
	best, bestLoad, found := -1, 0.0, false
	for _, cpu := range mask.CPUs() {
		if !m.activeCPUs.Contains(cpu) {
			continue
		}
		load := m.cpuStats[cpu].interruptRate()
		if !found || load < bestLoad {
			best, bestLoad, found = cpu, load, true
		}
	}
	return best, found
}

// SelectTargetCPU narrows the online∩active∩¬avoid∩(preferred if non-empty)
// set per the strategy currently configured.
func (m *AffinityManager) SelectTargetCPU(currentCPU int, hints AffinityHints) (int, bool) {
	available := m.onlineCPUs.And(m.activeCPUs).And(hints.AvoidCPUs.Not())
	if !hints.PreferredCPUs.IsEmpty() {
		available = available.And(hints.PreferredCPUs)
	}
	if available.IsEmpty() {
		return -1, false
	}

	switch m.strategy {
	case StrategyNone:
		return available.First(), true
	case StrategyRoundRobin:
		cpus := available.CPUs()
		if len(cpus) == 0 {
			return -1, false
		}
		idx := int(m.rrCounter) % len(cpus)
		m.rrCounter++
		return cpus[idx], true
	case StrategyLeastLoaded:
		return m.leastLoadedCPU(available)
	case StrategyPackageAware:
		if currentCPU >= 0 {
			pkgAvail := available.And(m.topology.PackageCPUs(currentCPU))
			if !pkgAvail.IsEmpty() {
				if cpu, ok := m.leastLoadedCPU(pkgAvail); ok {
					return cpu, true
				}
				return pkgAvail.First(), true
			}
		}
		if cpu, ok := m.leastLoadedCPU(available); ok {
			return cpu, true
		}
		return available.First(), true
	case StrategyCoreAware:
		if currentCPU >= 0 {
			diffCores := available.And(m.topology.CoreCPUs(currentCPU).Not())
			if !diffCores.IsEmpty() {
				if cpu, ok := m.leastLoadedCPU(diffCores); ok {
					return cpu, true
				}
				return diffCores.First(), true
			}
		}
		if cpu, ok := m.leastLoadedCPU(available); ok {
			return cpu, true
		}
		return available.First(), true
	case StrategyNumaAware:
		// Treated identically to PackageAware: this model has no distinct
		// NUMA-node topology beyond packages.
		m.strategy = StrategyPackageAware
		cpu, ok := m.SelectTargetCPU(currentCPU, hints)
		m.strategy = StrategyNumaAware
		return cpu, ok
	default:
		return m.leastLoadedCPU(available)
	}
}

// SetIRQAffinity records mask as irq's requested affinity. A mask with no
// online/active CPU is refused unless force is set.
func (m *AffinityManager) SetIRQAffinity(irq IrqNumber, mask CpuMask, force bool) error {
	if mask.IsEmpty() {
		return newInvalidArgument("irq: affinity mask for irq %d must not be empty", irq)
	}
	available := mask.And(m.onlineCPUs).And(m.activeCPUs)
	if available.IsEmpty() && !force {
		return newInvalidState("irq: affinity mask for irq %d has no online/active CPU", irq)
	}
	m.affinityCache[irq] = mask
	return nil
}

func (m *AffinityManager) IRQAffinity(irq IrqNumber) (CpuMask, bool) {
	mask, ok := m.affinityCache[irq]
	return mask, ok
}

// CalculateOptimalAffinity derives affinity hints from the descriptor's
// type/priority (spec.md §8's rule table) and resolves them to a target CPU.
// A user-configured affinity mask (SetIRQAffinity) is a hard constraint:
// balancing only ever selects among the CPUs it already allows.
func (m *AffinityManager) CalculateOptimalAffinity(currentCPU int, d *Descriptor) CpuMask {
	var hints AffinityHints
	if pinned, ok := m.IRQAffinity(d.IRQ); ok && !pinned.IsEmpty() {
		hints.PreferredCPUs = pinned
	}
	switch d.Type {
	case TypeHardware:
		if d.Priority == irqchip.PriorityHighest {
			hints.LatencySensitive = true
			hints.HighFrequency = true
		}
	case TypeIPI:
		hints.HighFrequency = true
	case TypeSoftware:
	}

	if cpu, ok := m.SelectTargetCPU(currentCPU, hints); ok {
		return CpuMaskFromCPU(cpu)
	}
	return m.onlineCPUs
}

func (m *AffinityManager) RecordInterrupt(cpu int, processingTimeNs uint32) {
	if cpu < 0 || cpu >= len(m.cpuStats) {
		return
	}
	m.cpuStats[cpu].recordInterrupt(processingTimeNs)
}

func (m *AffinityManager) RecordSpurious(cpu int) {
	if cpu < 0 || cpu >= len(m.cpuStats) {
		return
	}
	m.cpuStats[cpu].recordSpurious()
}

// BalanceInterrupts recomputes optimal affinity for every descriptor and
// migrates (updates the cached affinity for) any whose current affinity no
// longer matches — except it defers dropping the currently-serving CPU's
// bit, per spec.md §8's "no interrupt lost in flight" migration rule: when
// the descriptor's LastCPU is currentCPU (the CPU running this pass), that
// CPU stays included in the new mask. A LastCPU other than currentCPU is
// not added.
func (m *AffinityManager) BalanceInterrupts(currentCPU int, descriptors []*Descriptor) int {
	if m.strategy == StrategyNone {
		return 0
	}
	migrated := 0
	for _, d := range descriptors {
		current, ok := m.IRQAffinity(d.IRQ)
		if !ok {
			current = CpuMaskAll()
		}
		optimal := m.CalculateOptimalAffinity(currentCPU, d)
		if d.LastCPU >= 0 && d.LastCPU == currentCPU {
			optimal.Set(d.LastCPU)
		}
		if current != optimal {
			if err := m.SetIRQAffinity(d.IRQ, optimal, false); err == nil {
				migrated++
			}
		}
	}
	return migrated
}
