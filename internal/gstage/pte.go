// Package gstage implements the guest-stage (second-stage / stage-2 / EPT)
// MMU, the most critical subsystem in the hypervisor core: per-VMID
// guest-physical to host-physical translation with copy-on-write and
// huge-page promotion. Grounded on original_source/core/mm/gstage.rs for
// the PTE bit layout and mode/level shape, and core/mm/hugepage.rs for the
// promotion/split semantics. The original's own walk()/map() admit they
// are single-level ("return Err(Error::NotImplemented)" for any non-leaf
// level); this package completes the multi-level tree spec §4.6 actually
// calls for.
package gstage

import "example.com/hypercore/internal/mm"

// Gpa and Hpa name the two address spaces a context translates between.
type Gpa = mm.PhysAddr
type Hpa = mm.PhysAddr

// EntriesPerLevel is the fixed fan-out of every table level.
const EntriesPerLevel = 512

// bitsPerLevel is log2(EntriesPerLevel).
const bitsPerLevel = 9

// PTE bit fields, matching original_source/core/mm/gstage.rs's
// gstage_pte module (Valid/Read/Write/Execute/User/Global/Accessed/Dirty).
const (
	pteValid uint64 = 1 << iota
	pteRead
	pteWrite
	pteExecute
	pteUser
	pteGlobal
	pteAccessed
	pteDirty
)

const pteLeafBits = pteRead | pteWrite | pteExecute
const ppnShift = 10

// PTE is a single guest-stage page table entry.
type PTE struct {
	bits uint64
}

// Flags are the caller-facing read/write/execute/global permission bits a
// Map call requests; User and Valid are always implied for this stage.
type Flags uint64

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagGlobal
)

func leafPTE(hpa Hpa, flags Flags) PTE {
	bits := (uint64(hpa/mm.PageSize) << ppnShift) | pteValid | pteUser
	if flags&FlagRead != 0 {
		bits |= pteRead
	}
	if flags&FlagWrite != 0 {
		bits |= pteWrite
	}
	if flags&FlagExecute != 0 {
		bits |= pteExecute
	}
	if flags&FlagGlobal != 0 {
		bits |= pteGlobal
	}
	return PTE{bits: bits}
}

func branchPTE(childAddr mm.PhysAddr) PTE {
	return PTE{bits: (uint64(childAddr/mm.PageSize) << ppnShift) | pteValid}
}

func (p PTE) isValid() bool { return p.bits&pteValid != 0 }
func (p PTE) isLeaf() bool  { return p.bits&pteLeafBits != 0 }

func (p PTE) ppn() uint64  { return p.bits >> ppnShift }
func (p PTE) pa() mm.PhysAddr { return mm.PhysAddr(p.ppn() * mm.PageSize) }

func (p PTE) canRead() bool    { return p.bits&pteRead != 0 }
func (p PTE) canWrite() bool   { return p.bits&pteWrite != 0 }
func (p PTE) canExecute() bool { return p.bits&pteExecute != 0 }

func (p *PTE) setAccessed() { p.bits |= pteAccessed }

func (p PTE) flags() Flags {
	var f Flags
	if p.canRead() {
		f |= FlagRead
	}
	if p.canWrite() {
		f |= FlagWrite
	}
	if p.canExecute() {
		f |= FlagExecute
	}
	if p.bits&pteGlobal != 0 {
		f |= FlagGlobal
	}
	return f
}

func withWrite(f Flags) Flags { return f | FlagWrite }
