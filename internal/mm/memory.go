package mm

import "example.com/hypercore/internal/hverr"

// Memory is a software-backed, byte-addressable view over a physical
// address range, keyed by PhysAddr. Grounded on the teacher's
// core_engine/virtual_machine.go, which mmaps guest memory as a single
// []byte and indexes it directly; this port has no real guest hardware
// behind a PhysAddr, so a VM's reserved frames are backed by one of these
// arenas instead of an OS mmap.
type Memory struct {
	base PhysAddr
	data []byte
}

// NewMemory allocates a zeroed byte arena covering [base, base+size).
func NewMemory(base PhysAddr, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Bytes returns the live slice backing [addr, addr+size) within the
// arena, so callers can read or write in place without a copy.
func (m *Memory) Bytes(addr PhysAddr, size uint64) ([]byte, error) {
	if addr < m.base {
		return nil, hverr.New(hverr.InvalidArgument, "mm: address %#x precedes arena base %#x", addr, m.base)
	}
	off := uint64(addr - m.base)
	if off+size > uint64(len(m.data)) {
		return nil, hverr.New(hverr.InvalidArgument, "mm: range [%#x, %#x) exceeds arena bound %#x", addr, uint64(addr)+size, uint64(m.base)+uint64(len(m.data)))
	}
	return m.data[off : off+size], nil
}

// CopyFrame copies size bytes from src to dst within the arena, the
// byte-exact copy spec §4.6.1's copy-on-write write fault requires before
// the writer proceeds.
func (m *Memory) CopyFrame(dst, src PhysAddr, size uint64) error {
	srcBytes, err := m.Bytes(src, size)
	if err != nil {
		return err
	}
	dstBytes, err := m.Bytes(dst, size)
	if err != nil {
		return err
	}
	copy(dstBytes, srcBytes)
	return nil
}
