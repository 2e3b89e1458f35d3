package irqchip

// MsiConfig describes an APLIC domain's MSI forwarding configuration:
// the target IMSIC's base address and the width, in bits, of the
// guest/hart/group index fields encoded into the MSI address. Grounded on
// original_source/core/irq/chip.rs's AplicMsiConfig.
type MsiConfig struct {
	BaseAddr       uint64
	GuestIndexBits uint
	HartIndexBits  uint
	GroupIndexBits uint
	Enabled        bool
}

// ComputeMsiAddress derives the store address an APLIC domain writes an
// interrupt identity to, from the (group, hart, guest) index triple. The
// ordering of the concatenation is deliberately left ambiguous by the
// hardware handbook this was ported from; this encodes it low-to-high as
// guest, then hart, then group, each shifted past the fixed 12-bit page
// offset plus the preceding fields' widths:
//
//	addr = base | (guest << 12) | (hart << (12+G)) | (group << (12+G+H))
func ComputeMsiAddress(cfg MsiConfig, group, hart, guest uint32) uint64 {
	guestShift := uint(12)
	hartShift := 12 + cfg.GuestIndexBits
	groupShift := 12 + cfg.GuestIndexBits + cfg.HartIndexBits

	addr := cfg.BaseAddr
	addr |= uint64(guest) << guestShift
	addr |= uint64(hart) << hartShift
	addr |= uint64(group) << groupShift
	return addr
}
