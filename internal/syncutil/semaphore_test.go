package syncutil

import (
	"context"
	"testing"
	"time"

	"example.com/hypercore/internal/hverr"
)

func TestSemaphoreAcquireRelease(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if s.TryAcquire() {
		t.Fatal("TryAcquire should fail when exhausted")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatal("TryAcquire should succeed after Release")
	}
}

func TestSemaphoreAcquireDeadlinePollOnly(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()

	if err := s.AcquireDeadline(ctx, 0); err != nil {
		t.Fatalf("poll-only acquire on free semaphore: %v", err)
	}
	err := s.AcquireDeadline(ctx, 0)
	if err == nil {
		t.Fatal("expected Timeout on exhausted poll-only acquire")
	}
	if !hverr.Is(err, hverr.Timeout) {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
}

func TestSemaphoreAcquireDeadlineExpires(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deadline := time.Now().Add(20 * time.Millisecond).UnixNano()
	err := s.AcquireDeadline(ctx, deadline)
	if err == nil {
		t.Fatal("expected Timeout waiting on exhausted semaphore past deadline")
	}
	if !hverr.Is(err, hverr.Timeout) {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
}
