package syncutil

import "sync/atomic"

// SpinLock is a busy-wait lock for the short, non-sleeping critical sections
// spec §5 calls for: ready queues, bitmaps, descriptor tables and
// page-table internal nodes. A thread must never be suspended while holding
// one, so SpinLock exposes no deadline or cancellation — callers that might
// block belong on Mutex/Semaphore instead.
type SpinLock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *SpinLock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		// busy-wait; real hardware would issue a pause/yield instruction here.
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *SpinLock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an already-unlocked SpinLock is a
// programming error class the spec reserves for panic (§7: "double-unlock
// of a spinlock").
func (s *SpinLock) Unlock() {
	if !s.held.CompareAndSwap(true, false) {
		panic("syncutil: unlock of unlocked SpinLock")
	}
}
