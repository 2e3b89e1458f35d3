package sched

import "testing"

func newTicking(start int64) func() int64 {
	t := start
	return func() int64 { t++; return t }
}

func TestCreateDestroyThread(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	id, err := s.CreateThread(VMThreadTag{}, PriorityNormal)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, ok := s.GetThread(id); !ok {
		t.Fatal("created thread not found")
	}
	if err := s.DestroyThread(id); err != nil {
		t.Fatalf("DestroyThread: %v", err)
	}
	if _, ok := s.GetThread(id); ok {
		t.Fatal("destroyed thread should no longer be found")
	}
	if err := s.DestroyThread(id); err == nil {
		t.Fatal("expected destroying an unknown thread to fail")
	}
}

func TestCreateThreadRejectsInvalidPriority(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	if _, err := s.CreateThread(VMThreadTag{}, Priority(99)); err == nil {
		t.Fatal("expected an invalid priority to be rejected")
	}
}

func TestScheduleHigherPriorityWinsFirst(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	low, _ := s.CreateThread(VMThreadTag{}, PriorityLow)
	high, _ := s.CreateThread(VMThreadTag{}, PriorityHigh)

	picked, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if picked != high {
		t.Fatalf("Schedule picked %d, want high-priority thread %d", picked, high)
	}
	_ = low
}

func TestScheduleFallsBackToIdleWhenEmpty(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	idle, ok := func() (ThreadID, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.idleThreads[0], true
	}()
	if !ok {
		t.Fatal("no idle thread recorded")
	}

	picked, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if picked != idle {
		t.Fatalf("Schedule picked %d, want idle thread %d", picked, idle)
	}
}

func TestRRPreemptsOnTimeSliceExpiry(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	s.SetClock(newTicking(0))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)
	b, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)

	first, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if first != a {
		t.Fatalf("first scheduled = %d, want %d (FIFO within class)", first, a)
	}

	// Normal priority gets a 10ms slice; exhaust it via HandleTick.
	for i := 0; i < 10; i++ {
		if err := s.HandleTick(); err != nil {
			t.Fatalf("HandleTick: %v", err)
		}
	}

	next, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if next != b {
		t.Fatalf("after time-slice expiry, Schedule = %d, want %d", next, b)
	}
}

func TestHigherPriorityArrivalPreemptsImmediately(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	s.SetClock(newTicking(0))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)

	first, err := s.Schedule(0)
	if err != nil || first != a {
		t.Fatalf("Schedule = (%d, %v), want (%d, nil)", first, err, a)
	}
	tcbA, _ := s.GetThread(a)
	if tcbA.TimeSliceMs != timeSliceFor(PriorityNormal) {
		t.Fatalf("A time slice = %d, want a fresh %d", tcbA.TimeSliceMs, timeSliceFor(PriorityNormal))
	}

	// A has only used one tick of its 10ms slice when B (High) arrives.
	s.HandleTick()
	b, _ := s.CreateThread(VMThreadTag{}, PriorityHigh)

	next, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if next != b {
		t.Fatalf("Schedule after higher-priority arrival = %d, want %d", next, b)
	}
	tcbA, _ = s.GetThread(a)
	if tcbA.State != StateReady {
		t.Fatalf("A state = %v, want Ready after being preempted", tcbA.State)
	}
	if tcbA.TimeSliceMs != timeSliceFor(PriorityNormal) {
		t.Fatalf("A time slice after preemption = %d, want a fresh %d", tcbA.TimeSliceMs, timeSliceFor(PriorityNormal))
	}
	if s.ready.lenAt(PriorityNormal) != 1 {
		t.Fatalf("A should be back on the Normal ready class, got len %d", s.ready.lenAt(PriorityNormal))
	}
}

func TestFIFODoesNotPreemptOnTick(t *testing.T) {
	s := NewScheduler(1, PolicyFIFO)
	s.SetClock(newTicking(0))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)
	_, _ = s.CreateThread(VMThreadTag{}, PriorityNormal)

	first, err := s.Schedule(0)
	if err != nil || first != a {
		t.Fatalf("Schedule = (%d, %v), want (%d, nil)", first, err, a)
	}

	for i := 0; i < 100; i++ {
		if err := s.HandleTick(); err != nil {
			t.Fatalf("HandleTick: %v", err)
		}
	}

	again, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if again != a {
		t.Fatalf("FIFO policy should keep running thread %d regardless of ticks, got %d", a, again)
	}
}

func TestBlockAndUnblockThread(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	s.SetClock(newTicking(0))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)
	if _, err := s.Schedule(0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := s.BlockCurrent(0); err != nil {
		t.Fatalf("BlockCurrent: %v", err)
	}
	tcb, _ := s.GetThread(a)
	if tcb.State != StateBlocked {
		t.Fatalf("thread state = %v, want Blocked", tcb.State)
	}

	if err := s.UnblockThread(a); err != nil {
		t.Fatalf("UnblockThread: %v", err)
	}
	tcb, _ = s.GetThread(a)
	if tcb.State != StateReady {
		t.Fatalf("thread state after unblock = %v, want Ready", tcb.State)
	}
}

func TestSetAffinityRestrictsSelection(t *testing.T) {
	s := NewScheduler(2, PolicyRR)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	pinned, _ := s.CreateThread(VMThreadTag{}, PriorityHigh)
	if err := s.SetAffinity(pinned, 1<<1); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}

	pickedCPU0, err := s.Schedule(0)
	if err != nil {
		t.Fatalf("Schedule(0): %v", err)
	}
	if pickedCPU0 == pinned {
		t.Fatal("a thread pinned to CPU 1 must not be scheduled on CPU 0")
	}

	pickedCPU1, err := s.Schedule(1)
	if err != nil {
		t.Fatalf("Schedule(1): %v", err)
	}
	if pickedCPU1 != pinned {
		t.Fatalf("Schedule(1) = %d, want pinned thread %d", pickedCPU1, pinned)
	}
}

func TestSetAffinityRejectsEmptyMask(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	id, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)
	if err := s.SetAffinity(id, 0); err == nil {
		t.Fatal("expected an empty affinity mask to be rejected")
	}
}

func TestFairPolicyBoostsStarvedLowerPriority(t *testing.T) {
	s := NewScheduler(1, PolicyFair)
	s.SetAgingThreshold(3)
	s.SetClock(newTicking(0))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	low, _ := s.CreateThread(VMThreadTag{}, PriorityLow)
	// A steady stream of High-priority arrivals would normally starve low
	// forever under strict priority order.
	for i := 0; i < 3; i++ {
		if _, err := s.CreateThread(VMThreadTag{}, PriorityHigh); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}

	var sawLow bool
	for i := 0; i < 10; i++ {
		picked, err := s.Schedule(0)
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if picked == low {
			sawLow = true
			break
		}
		// Exhaust whichever thread is running so the next Schedule call
		// makes a fresh selection.
		for j := 0; j < 20; j++ {
			s.HandleTick()
		}
	}
	if !sawLow {
		t.Fatal("fair-aging policy should eventually schedule the starved low-priority thread")
	}
}

func TestVCPUThreadTagging(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	id, err := s.CreateVCPUThread(7, 2, PriorityHigh)
	if err != nil {
		t.Fatalf("CreateVCPUThread: %v", err)
	}
	tcb, ok := s.GetThread(id)
	if !ok {
		t.Fatal("vcpu thread not found")
	}
	if !tcb.IsVCPU() || tcb.Tag.VMID != 7 || tcb.Tag.VCPUID != 2 {
		t.Fatalf("tag = %+v, want VMID=7 VCPUID=2 IsVCPU=true", tcb.Tag)
	}
}

func TestStatsTrackThreadCounts(t *testing.T) {
	s := NewScheduler(1, PolicyRR)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	before := s.Stats()
	id, _ := s.CreateThread(VMThreadTag{}, PriorityNormal)
	after := s.Stats()
	if after.TotalThreads != before.TotalThreads+1 {
		t.Fatalf("TotalThreads = %d, want %d", after.TotalThreads, before.TotalThreads+1)
	}
	if after.ReadyThreads != before.ReadyThreads+1 {
		t.Fatalf("ReadyThreads = %d, want %d", after.ReadyThreads, before.ReadyThreads+1)
	}
	if err := s.DestroyThread(id); err != nil {
		t.Fatalf("DestroyThread: %v", err)
	}
	final := s.Stats()
	if final.TotalThreads != before.TotalThreads {
		t.Fatalf("TotalThreads after destroy = %d, want %d", final.TotalThreads, before.TotalThreads)
	}
}
