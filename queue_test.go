package h3upstream

import (
	"context"
	"testing"
	"time"
)

func TestDownstreamQueueCapacity(t *testing.T) {
	q := NewDownstreamQueue(2, 0)
	ctx := context.Background()

	if err := q.Activate(ctx, "a"); err != nil {
		t.Fatalf("expected first activation to succeed: %v", err)
	}
	if err := q.Activate(ctx, "a"); err != nil {
		t.Fatalf("expected second activation to succeed: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}

	thirdCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Activate(thirdCtx, "a"); err == nil {
		t.Fatalf("expected third activation to block and then fail at capacity")
	}
	if q.Len() != 2 {
		t.Fatalf("Len() after failed activation = %d, want 2 (no leaked slot)", q.Len())
	}

	q.Release("a")
	if q.Len() != 1 {
		t.Fatalf("Len() after release = %d, want 1", q.Len())
	}
}

func TestDownstreamQueueBlockedStreamActivatesOnRelease(t *testing.T) {
	q := NewDownstreamQueue(1, 0)
	ctx := context.Background()

	if err := q.Activate(ctx, "a"); err != nil {
		t.Fatalf("expected first activation to succeed: %v", err)
	}

	activated := make(chan error, 1)
	go func() { activated <- q.Activate(ctx, "a") }()

	// Give the second Activate time to enqueue as a waiter before the slot
	// frees up.
	time.Sleep(10 * time.Millisecond)
	q.Release("a")

	select {
	case err := <-activated:
		if err != nil {
			t.Fatalf("expected blocked stream to activate, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked stream never activated after release")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestDownstreamQueuePerAuthority(t *testing.T) {
	q := NewDownstreamQueue(10, 1)
	ctx := context.Background()

	if err := q.Activate(ctx, "a.example"); err != nil {
		t.Fatalf("expected first per-authority activation to succeed: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Activate(blockedCtx, "a.example"); err == nil {
		t.Fatalf("expected second per-authority activation to block and then fail")
	}
	if !q.CanActivate("b.example") {
		t.Fatalf("a different authority should not be blocked by a's limit")
	}
}

func TestDownstreamQueueCancelledWaiterLeavesNoSlot(t *testing.T) {
	q := NewDownstreamQueue(1, 0)
	ctx := context.Background()

	if err := q.Activate(ctx, "a"); err != nil {
		t.Fatalf("expected first activation to succeed: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Activate(cancelCtx, "a"); err == nil {
		t.Fatalf("expected activation against an already-cancelled context to fail")
	}

	q.Release("a")
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0; cancelled waiter must not have consumed a slot", q.Len())
	}
}
