package syncutil

import (
	"sync"
	"testing"
)

func TestSpinLockMutualExclusion(t *testing.T) {
	var lock SpinLock
	var counter int
	var wg sync.WaitGroup

	const goroutines = 50
	const iterations = 200

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Lock()
				counter++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Fatalf("counter = %d, want %d", counter, goroutines*iterations)
	}
}

func TestSpinLockTryLock(t *testing.T) {
	var lock SpinLock

	if !lock.TryLock() {
		t.Fatal("TryLock on free lock should succeed")
	}
	if lock.TryLock() {
		t.Fatal("TryLock on held lock should fail")
	}
	lock.Unlock()
	if !lock.TryLock() {
		t.Fatal("TryLock after Unlock should succeed")
	}
}

func TestSpinLockDoubleUnlockPanics(t *testing.T) {
	var lock SpinLock
	lock.Lock()
	lock.Unlock()

	defer func() {
		if recover() == nil {
			t.Fatal("double unlock should panic")
		}
	}()
	lock.Unlock()
}
