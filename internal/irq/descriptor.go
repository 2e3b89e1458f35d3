package irq

// Descriptor is the record the descriptor table keeps per registered IRQ:
// its classification, handler, affinity bookkeeping, and delivery stats.
// Grounded on original_source/core/irq/mod.rs's InterruptDescriptor.
type Descriptor struct {
	IRQ      IrqNumber
	Type     IrqType
	Priority Priority
	Name     string

	Handler HandlerFunc
	Ctx     any

	Enabled bool

	// LastCPU is the CPU that most recently claimed this IRQ, -1 if never
	// claimed. When this is the CPU running BalanceInterrupts, that pass
	// keeps it in the migrated mask so an interrupt in flight on it is not
	// stranded.
	LastCPU        int
	MigrationCount uint64

	Stats DescriptorStats
}

// DescriptorStats is the per-IRQ delivery history, independent of the
// per-CPU stats the manager also tracks.
type DescriptorStats struct {
	Count             uint64
	SpuriousCount     uint64
	AvgLatencyNs      float64
	LastTimestampNs   int64
}

func newDescriptor(irqNum IrqNumber, typ IrqType, priority Priority, name string, handler HandlerFunc, ctx any) *Descriptor {
	return &Descriptor{
		IRQ:      irqNum,
		Type:     typ,
		Priority: priority,
		Name:     name,
		Handler:  handler,
		Ctx:      ctx,
		Enabled:  true,
		LastCPU:  -1,
	}
}

func (d *Descriptor) recordDelivery(timestampNs int64, latencyNs uint32) {
	d.Stats.Count++
	d.Stats.LastTimestampNs = timestampNs
	if d.Stats.AvgLatencyNs == 0 {
		d.Stats.AvgLatencyNs = float64(latencyNs)
		return
	}
	d.Stats.AvgLatencyNs = ewmaAlpha*float64(latencyNs) + (1-ewmaAlpha)*d.Stats.AvgLatencyNs
}

func (d *Descriptor) recordSpurious() { d.Stats.SpuriousCount++ }
