package syncutil

import (
	"context"

	"example.com/hypercore/internal/hverr"
)

// Mutex is a blocking mutex usable across suspension points (spec §5: "long
// waits: not held across VM-entry"). Unlike sync.Mutex it accepts a
// context so a cancelled or timed-out wait returns a Timeout error rather
// than blocking forever, matching spec §5's Cancellation and
// Timeouts rules.
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex, blocking until ctx is done. A cancelled context
// returns a Timeout-kind error; the caller's owned resources must already
// be released via its own scoped-acquisition exit paths.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return hverr.New(hverr.Timeout, "mutex: lock wait cancelled: %v", ctx.Err())
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("syncutil: unlock of unlocked Mutex")
	}
}
