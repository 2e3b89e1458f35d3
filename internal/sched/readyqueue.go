package sched

import "example.com/hypercore/internal/bitset"

// readyQueue holds one FIFO-ordered queue per priority class plus a bitmap
// so the highest occupied class can be found without scanning all five.
// Grounded on scheduler.rs's ReadyQueue (its intrusive linked list plus
// bitmap is expressed here as plain slices, since this port has no pointer-
// stable arena to intrude a list node into).
type readyQueue struct {
	classes [numPriorities][]*ThreadControlBlock
	bitmap  *bitset.Bitmap
}

func newReadyQueue() *readyQueue {
	return &readyQueue{bitmap: bitset.New(numPriorities)}
}

func (q *readyQueue) enqueue(tcb *ThreadControlBlock) {
	idx := int(tcb.Priority)
	q.classes[idx] = append(q.classes[idx], tcb)
	q.bitmap.Set(idx)
	tcb.inQueue = true
}

// removeID removes the thread with the given id from its priority class,
// wherever it sits in the FIFO order (used when destroying a ready
// thread out of turn). Reports whether it was found.
func (q *readyQueue) removeID(priority Priority, id ThreadID) bool {
	idx := int(priority)
	class := q.classes[idx]
	for i, t := range class {
		if t.ID == id {
			q.classes[idx] = append(class[:i], class[i+1:]...)
			t.inQueue = false
			if len(q.classes[idx]) == 0 {
				q.bitmap.Clear(idx)
			}
			return true
		}
	}
	return false
}

// dequeueHighest pops the front thread of the highest non-empty priority
// class (RealTime first), matching scheduler.rs's find_first_set-driven
// dequeue_highest.
func (q *readyQueue) dequeueHighest() *ThreadControlBlock {
	for idx := numPriorities - 1; idx >= 0; idx-- {
		if !q.bitmap.Test(idx) {
			continue
		}
		class := q.classes[idx]
		if len(class) == 0 {
			q.bitmap.Clear(idx)
			continue
		}
		tcb := class[0]
		q.classes[idx] = class[1:]
		tcb.inQueue = false
		if len(q.classes[idx]) == 0 {
			q.bitmap.Clear(idx)
		}
		return tcb
	}
	return nil
}

// hasEligibleAbove reports whether some thread eligible per the given
// predicate sits in a priority class strictly above minPriority.
func (q *readyQueue) hasEligibleAbove(minPriority Priority, eligible func(*ThreadControlBlock) bool) bool {
	for idx := numPriorities - 1; idx > int(minPriority); idx-- {
		if !q.bitmap.Test(idx) {
			continue
		}
		for _, tcb := range q.classes[idx] {
			if eligible(tcb) {
				return true
			}
		}
	}
	return false
}

func (q *readyQueue) isEmpty() bool {
	return q.bitmap.CountOnes() == 0
}

func (q *readyQueue) lenAt(priority Priority) int {
	return len(q.classes[int(priority)])
}
