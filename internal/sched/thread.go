// Package sched implements the host-side thread scheduler (C10): five
// priority classes, bitmap-accelerated ready-queue selection, FIFO/
// round-robin/fair-aging policies, per-CPU idle threads, and VCPU-thread
// tagging. Grounded on original_source/core/sched/{scheduler,fifo,rr}.rs.
package sched

// ThreadID identifies a scheduled thread; it doubles as the thread's slot
// index into the scheduler's thread arena.
type ThreadID uint32

// MaxThreads bounds the thread arena, matching scheduler.rs's MAX_THREADS.
const MaxThreads = 512

// Priority is a thread's scheduling class. Numerically higher runs first,
// matching scheduler.rs's reset_time_slice table (Idle < Low < Normal <
// High < RealTime).
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealTime
)

const numPriorities = 5

func (p Priority) valid() bool { return p >= PriorityIdle && p <= PriorityRealTime }

// timeSliceFor returns the default time slice in milliseconds for a
// priority, per scheduler.rs's ThreadControlBlock::reset_time_slice.
func timeSliceFor(p Priority) uint32 {
	switch p {
	case PriorityIdle:
		return 5
	case PriorityLow:
		return 8
	case PriorityNormal:
		return 10
	case PriorityHigh:
		return 15
	case PriorityRealTime:
		return 20
	default:
		return 10
	}
}

// ThreadState is a thread's lifecycle state.
type ThreadState int

const (
	StateReady ThreadState = iota
	StateRunning
	StateBlocked
	StateTerminated
)

// VMThreadTag identifies the VM/VCPU a thread services, absent for a
// non-VCPU (system) thread.
type VMThreadTag struct {
	VMID    uint32
	VCPUID  uint32
	IsVCPU  bool
}

// ThreadControlBlock is the scheduler's per-thread record. Grounded on
// scheduler.rs's ThreadControlBlock.
type ThreadControlBlock struct {
	ID       ThreadID
	Tag      VMThreadTag
	State    ThreadState
	Priority Priority

	TimeSliceMs    uint32
	CPUTimeMs      uint64
	LastRunTimeMs  int64

	// CPUAffinity is a bitmask over CPU indices; all bits set means "any
	// CPU", matching scheduler.rs's u64::MAX default.
	CPUAffinity uint64

	// inQueue marks whether this TCB is currently linked into a ready
	// queue, the arena equivalent of scheduler.rs's intrusive ListNode
	// membership check.
	inQueue bool
}

func newThreadControlBlock(id ThreadID, priority Priority, tag VMThreadTag) *ThreadControlBlock {
	return &ThreadControlBlock{
		ID:            id,
		Tag:           tag,
		State:         StateReady,
		Priority:      priority,
		TimeSliceMs:   timeSliceFor(priority),
		CPUAffinity:   ^uint64(0),
		LastRunTimeMs: -1,
	}
}

func (t *ThreadControlBlock) resetTimeSlice() { t.TimeSliceMs = timeSliceFor(t.Priority) }

// decTimeSlice decrements the remaining time slice by one tick, returning
// whether the thread may keep running.
func (t *ThreadControlBlock) decTimeSlice() bool {
	if t.TimeSliceMs == 0 {
		return false
	}
	t.TimeSliceMs--
	return t.TimeSliceMs > 0
}

func (t *ThreadControlBlock) IsVCPU() bool { return t.Tag.IsVCPU }
