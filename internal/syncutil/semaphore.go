package syncutil

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"example.com/hypercore/internal/hverr"
)

// Semaphore is a counting semaphore for long waits (spec §5); the scheduler
// does not use it (its state is guarded by a SpinLock). It wraps golang.org/x/sync/semaphore.Weighted, the
// dependency choice grounded on canonical-snapd and tinyrange-cc, both of
// which carry golang.org/x/sync in the example pack.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(count int64) *Semaphore {
	return &Semaphore{w: semaphore.NewWeighted(count)}
}

// AcquireDeadline blocks until a unit is available, ctx is cancelled, or
// deadlineNs (absolute, nanoseconds since the epoch) elapses. A zero
// deadline means poll-only, matching spec §5's Timeouts rule.
func (s *Semaphore) AcquireDeadline(ctx context.Context, deadlineNs int64) error {
	if deadlineNs == 0 {
		if s.w.TryAcquire(1) {
			return nil
		}
		return hverr.New(hverr.Timeout, "semaphore: poll-only acquire failed")
	}

	deadline := time.Unix(0, deadlineNs)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := s.w.Acquire(dctx, 1); err != nil {
		return hverr.New(hverr.Timeout, "semaphore: acquire wait expired: %v", err)
	}
	return nil
}

// Acquire blocks until a unit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.w.Acquire(ctx, 1); err != nil {
		return hverr.New(hverr.Timeout, "semaphore: acquire cancelled: %v", err)
	}
	return nil
}

// Release returns a unit to the semaphore.
func (s *Semaphore) Release() {
	s.w.Release(1)
}

// TryAcquire attempts a non-blocking acquire.
func (s *Semaphore) TryAcquire() bool {
	return s.w.TryAcquire(1)
}
