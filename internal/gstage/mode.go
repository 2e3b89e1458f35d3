package gstage

import "example.com/hypercore/internal/mm"

// Mode is a guest-stage translation mode, naming the address-space width
// per spec §3's "mode — address-space width {32×4, 39×4, 48×4, 57×4}" and
// original_source/core/mm/gstage.rs's GStageMode.
type Mode int

const (
	ModeSv32x4 Mode = iota
	ModeSv39x4
	ModeSv48x4
	ModeSv57x4
)

// Levels returns the page-table depth for the mode.
func (m Mode) Levels() int {
	switch m {
	case ModeSv32x4:
		return 2
	case ModeSv39x4:
		return 3
	case ModeSv48x4:
		return 4
	case ModeSv57x4:
		return 5
	default:
		return 0
	}
}

// VABits returns the number of guest-physical address bits the mode
// addresses.
func (m Mode) VABits() int {
	switch m {
	case ModeSv32x4:
		return 32
	case ModeSv39x4:
		return 39
	case ModeSv48x4:
		return 48
	case ModeSv57x4:
		return 57
	default:
		return 0
	}
}

func (m Mode) String() string {
	switch m {
	case ModeSv32x4:
		return "Sv32x4"
	case ModeSv39x4:
		return "Sv39x4"
	case ModeSv48x4:
		return "Sv48x4"
	case ModeSv57x4:
		return "Sv57x4"
	default:
		return "Unknown"
	}
}

// leafLevel returns the index of the final (always-leaf) level.
func (m Mode) leafLevel() int { return m.Levels() - 1 }

// spanBytes returns the number of bytes a single entry at level covers.
func (m Mode) spanBytes(level int) uint64 {
	span := uint64(mm.PageSize)
	for l := m.leafLevel(); l > level; l-- {
		span *= EntriesPerLevel
	}
	return span
}

// HugePageSize2M and HugePageSize1G are the two huge-page sizes spec
// §4.6.2 names.
const (
	HugePageSize2M = 2 * 1024 * 1024
	HugePageSize1G = 1024 * 1024 * 1024
)
