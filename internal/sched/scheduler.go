package sched

import (
	"example.com/hypercore/internal/bitset"
	"example.com/hypercore/internal/syncutil"
)

// Policy selects how the scheduler picks the next thread and how a running
// thread's time slice is enforced. Grounded on fifo.rs/rr.rs as named
// alternate policies layered over the same ready-queue/TCB shape
// scheduler.rs's baseline Scheduler already implements.
type Policy int

const (
	// PolicyRR preempts the running thread when its time slice expires and
	// requeues it at the back of its own priority class — scheduler.rs's
	// baseline schedule() behavior.
	PolicyRR Policy = iota
	// PolicyFIFO never preempts on time-slice expiry: a thread keeps the
	// CPU until it yields, blocks, or terminates. Grounded on fifo.rs's
	// FifoScheduler (no time-slice field at all).
	PolicyFIFO
	// PolicyFair behaves like PolicyRR but additionally ages lower
	// priority classes: once a class has gone unserved for AgingThreshold
	// consecutive scheduling decisions that served another class, it is
	// picked ahead of a higher, otherwise-eligible class. Grounded on fifo.rs's FairFifoScheduler aging mechanism.
	PolicyFair
)

// SchedulerStats mirrors scheduler.rs's SchedulerStats.
type SchedulerStats struct {
	TotalThreads     int
	RunningThreads   int
	ReadyThreads     int
	BlockedThreads   int
	ContextSwitches  uint64
	SchedulerRuns    uint64
}

// Scheduler is the host thread scheduler: a slot-indexed thread arena, one
// shared ready queue, and one current/idle thread per CPU. Grounded on
// scheduler.rs's Scheduler.
type Scheduler struct {
	mu syncutil.SpinLock

	threads   [MaxThreads]*ThreadControlBlock
	idBitmap  *bitset.Bitmap
	ready     *readyQueue
	policy    Policy

	numCPUs       int
	currentThread []int64 // ThreadID per CPU, -1 if none
	idleThreads   []ThreadID

	agingCounters   [numPriorities]uint32
	agingThreshold  uint32

	stats SchedulerStats

	tick uint64

	// clock returns the current time in milliseconds, overridable in
	// tests for deterministic cpu_time/last_run_time accounting.
	clock func() int64
}

// NewScheduler returns a scheduler over numCPUs CPUs using policy. Call
// Init to populate idle threads before scheduling.
func NewScheduler(numCPUs int, policy Policy) *Scheduler {
	current := make([]int64, numCPUs)
	for i := range current {
		current[i] = -1
	}
	return &Scheduler{
		idBitmap:       bitset.New(MaxThreads),
		ready:          newReadyQueue(),
		policy:         policy,
		numCPUs:        numCPUs,
		currentThread:  current,
		idleThreads:    make([]ThreadID, numCPUs),
		agingThreshold: 50,
		clock:          func() int64 { return 0 },
	}
}

// SetClock overrides the scheduler's millisecond time source.
func (s *Scheduler) SetClock(c func() int64) { s.clock = c }

// SetAgingThreshold configures how many scheduling decisions a lower class
// may go unserved under PolicyFair before being force-selected.
func (s *Scheduler) SetAgingThreshold(ticks uint32) { s.agingThreshold = ticks }

// Init creates one idle thread per CPU and marks it running, matching
// scheduler.rs's init().
func (s *Scheduler) Init() error {
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		id, err := s.CreateThread(VMThreadTag{}, PriorityIdle)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.idleThreads[cpu] = id
		tcb := s.threads[id]
		if tcb.inQueue {
			s.ready.removeID(tcb.Priority, id)
			s.stats.ReadyThreads--
		}
		// Pinned to its own CPU: if time-slice expiry ever puts it back on
		// the shared ready queue, no other CPU's schedule() can steal it.
		tcb.CPUAffinity = uint64(1) << uint(cpu)
		tcb.State = StateRunning
		s.mu.Unlock()
	}
	return nil
}

// CreateThread allocates a new thread and places it on the ready queue.
func (s *Scheduler) CreateThread(tag VMThreadTag, priority Priority) (ThreadID, error) {
	if !priority.valid() {
		return 0, newInvalidArgument("sched: invalid priority %d", priority)
	}

	s.mu.Lock()
	slot := s.idBitmap.FindAndSet()
	if slot < 0 {
		s.mu.Unlock()
		return 0, newResourceUnavailable("sched: thread arena exhausted (max %d)", MaxThreads)
	}
	id := ThreadID(slot)
	tcb := newThreadControlBlock(id, priority, tag)
	s.threads[id] = tcb
	s.ready.enqueue(tcb)
	s.stats.TotalThreads++
	s.stats.ReadyThreads++
	s.mu.Unlock()
	return id, nil
}

// CreateVCPUThread is CreateThread tagged as servicing a specific VCPU.
func (s *Scheduler) CreateVCPUThread(vmID, vcpuID uint32, priority Priority) (ThreadID, error) {
	return s.CreateThread(VMThreadTag{VMID: vmID, VCPUID: vcpuID, IsVCPU: true}, priority)
}

// DestroyThread removes a thread from the ready queue (if present) and
// frees its slot.
func (s *Scheduler) DestroyThread(id ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tcb := s.threadLocked(id)
	if tcb == nil {
		return newNotFound("sched: thread %d not found", id)
	}
	if tcb.State == StateReady && tcb.inQueue {
		s.ready.removeID(tcb.Priority, id)
		s.stats.ReadyThreads--
	}
	s.threads[id] = nil
	s.idBitmap.Clear(int(id))
	if s.stats.TotalThreads > 0 {
		s.stats.TotalThreads--
	}
	return nil
}

func (s *Scheduler) threadLocked(id ThreadID) *ThreadControlBlock {
	if int(id) >= MaxThreads {
		return nil
	}
	return s.threads[id]
}

// GetThread returns the thread control block for id.
func (s *Scheduler) GetThread(id ThreadID) (*ThreadControlBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tcb := s.threadLocked(id)
	return tcb, tcb != nil
}

func (s *Scheduler) cpuEligible(tcb *ThreadControlBlock, cpu int) bool {
	return tcb.CPUAffinity&(uint64(1)<<uint(cpu)) != 0
}

// selectNextLocked picks the next thread to run per the configured policy,
// falling back to cpu's idle thread when the ready queue yields nothing
// eligible. Caller holds s.mu.
func (s *Scheduler) selectNextLocked(cpu int) ThreadID {
	if s.policy == PolicyFair {
		if id, ok := s.pickAgedLocked(cpu); ok {
			return id
		}
	}

	// Stash threads ineligible for cpu's affinity so they aren't lost,
	// then requeue them once a candidate (or none) is found.
	var skipped []*ThreadControlBlock
	for {
		tcb := s.ready.dequeueHighest()
		if tcb == nil {
			break
		}
		if s.cpuEligible(tcb, cpu) {
			for _, sk := range skipped {
				s.ready.enqueue(sk)
			}
			s.bumpAgingLocked(tcb.Priority)
			return tcb.ID
		}
		skipped = append(skipped, tcb)
	}
	for _, sk := range skipped {
		s.ready.enqueue(sk)
	}
	return s.idleThreads[cpu]
}

// pickAgedLocked forces a lower class through once it has gone unserved
// for agingThreshold scheduling decisions, ahead of a higher but
// otherwise-eligible class.
func (s *Scheduler) pickAgedLocked(cpu int) (ThreadID, bool) {
	for idx := 0; idx < numPriorities; idx++ {
		if s.agingCounters[idx] < s.agingThreshold {
			continue
		}
		if !s.ready.bitmap.Test(idx) {
			continue
		}
		class := s.ready.classes[idx]
		for i, tcb := range class {
			if !s.cpuEligible(tcb, cpu) {
				continue
			}
			s.ready.classes[idx] = append(class[:i:i], class[i+1:]...)
			if len(s.ready.classes[idx]) == 0 {
				s.ready.bitmap.Clear(idx)
			}
			tcb.inQueue = false
			s.agingCounters[idx] = 0
			return tcb.ID, true
		}
	}
	return 0, false
}

func (s *Scheduler) bumpAgingLocked(served Priority) {
	for idx := 0; idx < numPriorities; idx++ {
		if Priority(idx) == served {
			s.agingCounters[idx] = 0
			continue
		}
		if s.agingCounters[idx] < ^uint32(0) {
			s.agingCounters[idx]++
		}
	}
}

// Schedule runs one scheduling decision for cpu. A Ready thread strictly
// higher priority than the one currently Running always preempts it
// immediately, independent of policy or remaining time slice; short of
// that, PolicyFIFO never preempts and PolicyRR/PolicyFair preempt on
// time-slice expiry. The preempted thread goes to the back of its class
// with a fresh time slice. Grounded on scheduler.rs's Scheduler::schedule.
func (s *Scheduler) Schedule(cpu int) (ThreadID, error) {
	if cpu < 0 || cpu >= s.numCPUs {
		return 0, newInvalidArgument("sched: cpu %d out of range", cpu)
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	currentID := ThreadID(0)
	hasCurrent := s.currentThread[cpu] >= 0
	if hasCurrent {
		currentID = ThreadID(s.currentThread[cpu])
	}

	if hasCurrent {
		if tcb := s.threadLocked(currentID); tcb != nil && tcb.State == StateRunning {
			if tcb.LastRunTimeMs >= 0 {
				tcb.CPUTimeMs += uint64(now - tcb.LastRunTimeMs)
			}

			// A strictly higher priority thread becoming Ready preempts
			// immediately, independent of policy or remaining time slice:
			// a Ready thread of priority > p is never kept waiting behind a
			// Running thread of priority p while an eligible CPU runs it.
			preempted := s.ready.hasEligibleAbove(tcb.Priority, func(o *ThreadControlBlock) bool {
				return s.cpuEligible(o, cpu)
			})

			keepRunning := !preempted && (s.policy == PolicyFIFO || tcb.decTimeSlice())
			if keepRunning {
				tcb.LastRunTimeMs = now
				s.stats.SchedulerRuns++
				return currentID, nil
			}
			tcb.State = StateReady
			tcb.resetTimeSlice()
			s.ready.enqueue(tcb)
			s.stats.ReadyThreads++
		}
	}

	nextID := s.selectNextLocked(cpu)
	if tcb := s.threadLocked(nextID); tcb != nil {
		wasReady := tcb.State == StateReady
		tcb.State = StateRunning
		tcb.LastRunTimeMs = now
		tcb.inQueue = false
		if wasReady {
			s.stats.ReadyThreads--
		}
	}
	s.currentThread[cpu] = int64(nextID)

	s.stats.SchedulerRuns++
	if !hasCurrent || currentID != nextID {
		s.stats.ContextSwitches++
	}
	return nextID, nil
}

// BlockCurrent marks cpu's running thread Blocked and forces a reschedule.
func (s *Scheduler) BlockCurrent(cpu int) error {
	if cpu < 0 || cpu >= s.numCPUs {
		return newInvalidArgument("sched: cpu %d out of range", cpu)
	}
	s.mu.Lock()
	if s.currentThread[cpu] >= 0 {
		if tcb := s.threadLocked(ThreadID(s.currentThread[cpu])); tcb != nil {
			tcb.State = StateBlocked
			s.stats.BlockedThreads++
		}
	}
	s.mu.Unlock()

	_, err := s.Schedule(cpu)
	return err
}

// UnblockThread moves a Blocked thread back to Ready and onto the queue.
func (s *Scheduler) UnblockThread(id ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tcb := s.threadLocked(id)
	if tcb == nil {
		return newNotFound("sched: thread %d not found", id)
	}
	if tcb.State != StateBlocked {
		return newInvalidState("sched: thread %d is not blocked", id)
	}
	tcb.State = StateReady
	tcb.resetTimeSlice()
	s.ready.enqueue(tcb)
	s.stats.ReadyThreads++
	if s.stats.BlockedThreads > 0 {
		s.stats.BlockedThreads--
	}
	return nil
}

// HandleTick decrements the time slice of every CPU's running thread,
// requeuing any whose slice has expired. Callers still need to invoke
// Schedule on the affected CPU to actually switch in a new thread; this
// only updates bookkeeping, matching scheduler.rs's handle_tick.
func (s *Scheduler) HandleTick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++

	if s.policy == PolicyFIFO {
		return nil
	}
	for cpu := 0; cpu < s.numCPUs; cpu++ {
		if s.currentThread[cpu] < 0 {
			continue
		}
		tcb := s.threadLocked(ThreadID(s.currentThread[cpu]))
		if tcb == nil || tcb.State != StateRunning {
			continue
		}
		if !tcb.decTimeSlice() {
			tcb.State = StateReady
			tcb.resetTimeSlice()
			s.ready.enqueue(tcb)
			s.stats.ReadyThreads++
		}
	}
	return nil
}

// YieldCurrent voluntarily requeues cpu's running thread at the back of
// its class and reschedules.
func (s *Scheduler) YieldCurrent(cpu int) (ThreadID, error) {
	if cpu < 0 || cpu >= s.numCPUs {
		return 0, newInvalidArgument("sched: cpu %d out of range", cpu)
	}
	s.mu.Lock()
	if s.currentThread[cpu] >= 0 {
		if tcb := s.threadLocked(ThreadID(s.currentThread[cpu])); tcb != nil && tcb.State == StateRunning {
			tcb.State = StateReady
			tcb.resetTimeSlice()
			s.ready.enqueue(tcb)
			s.stats.ReadyThreads++
		}
	}
	s.mu.Unlock()
	return s.Schedule(cpu)
}

// SetAffinity restricts id to the CPUs set in mask.
func (s *Scheduler) SetAffinity(id ThreadID, mask uint64) error {
	if mask == 0 {
		return newInvalidArgument("sched: affinity mask for thread %d must not be empty", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tcb := s.threadLocked(id)
	if tcb == nil {
		return newNotFound("sched: thread %d not found", id)
	}
	tcb.CPUAffinity = mask
	return nil
}

// CurrentThread returns the thread currently assigned to cpu.
func (s *Scheduler) CurrentThread(cpu int) (ThreadID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu < 0 || cpu >= s.numCPUs || s.currentThread[cpu] < 0 {
		return 0, false
	}
	return ThreadID(s.currentThread[cpu]), true
}

// Stats returns a snapshot of scheduler-wide counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
