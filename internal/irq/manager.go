package irq

import (
	"context"
	"time"

	"example.com/hypercore/internal/irqchip"
	"example.com/hypercore/internal/syncutil"
)

// Clock returns the current time as nanoseconds, overridable in tests so
// latency/EWMA assertions don't depend on wall-clock jitter.
type Clock func() int64

func systemClock() int64 { return time.Now().UnixNano() }

// CPUStats is one CPU's interrupt-handling history, kept separately from a
// Descriptor's own per-IRQ stats (spec.md §4.8: "total, per-kind,
// per-priority, avg latency via EWMA").
type CPUStats struct {
	Total        uint64
	Spurious     uint64
	ByType       map[IrqType]uint64
	ByPriority   map[Priority]uint64
	AvgLatencyNs float64
}

func newCPUStats() *CPUStats {
	return &CPUStats{ByType: make(map[IrqType]uint64), ByPriority: make(map[Priority]uint64)}
}

func (s *CPUStats) recordDelivery(typ IrqType, priority Priority, latencyNs uint32) {
	s.Total++
	s.ByType[typ]++
	s.ByPriority[priority]++
	if s.AvgLatencyNs == 0 {
		s.AvgLatencyNs = float64(latencyNs)
		return
	}
	s.AvgLatencyNs = ewmaAlpha*float64(latencyNs) + (1-ewmaAlpha)*s.AvgLatencyNs
}

func (s *CPUStats) recordSpurious() { s.Spurious++ }

// Manager is the descriptor table plus the CPU-local dispatch path sitting
// above a single internal/irqchip.Controller. Grounded on
// original_source/core/irq/mod.rs's InterruptManager and handler.rs's
// dispatch loop.
type Manager struct {
	mu *syncutil.Mutex

	controller irqchip.Controller
	affinity   *AffinityManager
	clock      Clock

	descriptors map[IrqNumber]*Descriptor
	cpuStats    []*CPUStats
}

// NewManager returns a dispatch manager over controller, sized for
// numCPUs CPU-local stat buckets.
func NewManager(controller irqchip.Controller, numCPUs int) *Manager {
	stats := make([]*CPUStats, numCPUs)
	for i := range stats {
		stats[i] = newCPUStats()
	}
	return &Manager{
		mu:          syncutil.NewMutex(),
		controller:  controller,
		affinity:    NewAffinityManager(numCPUs),
		clock:       systemClock,
		descriptors: make(map[IrqNumber]*Descriptor),
		cpuStats:    stats,
	}
}

// SetClock overrides the manager's time source; tests use this to get
// deterministic latency values into the EWMA.
func (m *Manager) SetClock(c Clock) { m.clock = c }

func (m *Manager) Affinity() *AffinityManager { return m.affinity }

// RegisterIRQ installs a new descriptor for irqNum, rejecting a duplicate
// registration and an out-of-range IRQ number.
func (m *Manager) RegisterIRQ(irqNum IrqNumber, typ IrqType, priority Priority, name string, handler HandlerFunc, ctx any) error {
	if int(irqNum) >= maxDescriptors {
		return newInvalidArgument("irq: irq %d exceeds the %d-descriptor table", irqNum, maxDescriptors)
	}
	if handler == nil {
		return newInvalidArgument("irq: irq %d registered with a nil handler", irqNum)
	}

	m.mu.Lock(context.Background())
	defer m.mu.Unlock()

	if _, exists := m.descriptors[irqNum]; exists {
		return newResourceBusy("irq: irq %d is already registered", irqNum)
	}
	m.descriptors[irqNum] = newDescriptor(irqNum, typ, priority, name, handler, ctx)
	return nil
}

// UnregisterIRQ removes irqNum's descriptor, if present.
func (m *Manager) UnregisterIRQ(irqNum IrqNumber) error {
	m.mu.Lock(context.Background())
	defer m.mu.Unlock()

	if _, exists := m.descriptors[irqNum]; !exists {
		return newNotFound("irq: irq %d is not registered", irqNum)
	}
	delete(m.descriptors, irqNum)
	delete(m.affinity.affinityCache, irqNum)
	return nil
}

// SetAffinity records irqNum's preferred CPU mask.
func (m *Manager) SetAffinity(irqNum IrqNumber, mask CpuMask) error {
	m.mu.Lock(context.Background())
	defer m.mu.Unlock()

	if _, exists := m.descriptors[irqNum]; !exists {
		return newNotFound("irq: irq %d is not registered", irqNum)
	}
	return m.affinity.SetIRQAffinity(irqNum, mask, false)
}

func (m *Manager) Descriptor(irqNum IrqNumber) (*Descriptor, bool) {
	m.mu.Lock(context.Background())
	defer m.mu.Unlock()
	d, ok := m.descriptors[irqNum]
	return d, ok
}

// CPUStats returns the stats bucket for cpu, or nil if out of range.
func (m *Manager) CPUStats(cpu int) *CPUStats {
	if cpu < 0 || cpu >= len(m.cpuStats) {
		return nil
	}
	m.mu.Lock(context.Background())
	defer m.mu.Unlock()
	snapshot := *m.cpuStats[cpu]
	return &snapshot
}

// HandleIRQWithAffinity runs the CPU-local arrival path (spec.md §4.8):
// claim the pending id from the controller, look up its descriptor
// (counting a spurious interrupt if absent or disabled), record a
// timestamp and invoke the handler, update per-CPU statistics, then ack
// the controller. Returns the claimed IRQ and whether a registered handler
// ran for it.
func (m *Manager) HandleIRQWithAffinity(cpu int) (IrqNumber, bool, error) {
	irqNum, ok := m.controller.HandleInterrupt()
	if !ok {
		return 0, false, nil
	}

	m.mu.Lock(context.Background())
	d, exists := m.descriptors[irqNum]
	if !exists || !d.Enabled {
		if cpu >= 0 && cpu < len(m.cpuStats) {
			m.cpuStats[cpu].recordSpurious()
		}
		m.affinity.RecordSpurious(cpu)
		m.mu.Unlock()
		// A spurious claim still needs acknowledging so the controller
		// doesn't wedge on an in-service source nobody will ever complete.
		_ = m.controller.AckIRQ(irqNum)
		return irqNum, false, nil
	}
	m.mu.Unlock()

	start := m.clock()
	handlerErr := d.Handler(irqNum, d.Ctx)
	elapsed := m.clock() - start
	if elapsed < 0 {
		elapsed = 0
	}
	latencyNs := uint32(elapsed)

	m.mu.Lock(context.Background())
	d.recordDelivery(start, latencyNs)
	d.LastCPU = cpu
	if cpu >= 0 && cpu < len(m.cpuStats) {
		m.cpuStats[cpu].recordDelivery(d.Type, d.Priority, latencyNs)
	}
	m.mu.Unlock()
	m.affinity.RecordInterrupt(cpu, latencyNs)

	if err := m.controller.AckIRQ(irqNum); err != nil {
		return irqNum, true, err
	}
	return irqNum, true, handlerErr
}

// BalanceInterrupts recomputes optimal affinity across every registered
// descriptor, consulting the configured LoadBalanceStrategy.
func (m *Manager) BalanceInterrupts(currentCPU int) int {
	m.mu.Lock(context.Background())
	descs := make([]*Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		descs = append(descs, d)
	}
	m.mu.Unlock()
	return m.affinity.BalanceInterrupts(currentCPU, descs)
}
