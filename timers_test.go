package h3upstream

import (
	"testing"
	"time"
)

func TestTimerSetIdleFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	ts := NewTimerSet(10*time.Millisecond, func() { fired <- struct{}{} })
	defer ts.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("idle timer did not fire")
	}
}

func TestTimerSetRearmDelaysFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	ts := NewTimerSet(30*time.Millisecond, func() { fired <- struct{}{} })
	defer ts.Stop()

	time.Sleep(15 * time.Millisecond)
	ts.Rearm(30 * time.Millisecond)

	select {
	case <-fired:
		t.Fatalf("idle timer fired before the rearmed deadline")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("idle timer never fired after rearm")
	}
}

func TestTimerSetStopSuppressesFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	ts := NewTimerSet(10*time.Millisecond, func() { fired <- struct{}{} })
	ts.Stop()

	select {
	case <-fired:
		t.Fatalf("idle callback ran after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEstimatePTOMonotonicInRTT(t *testing.T) {
	small := estimatePTO(10 * time.Millisecond)
	large := estimatePTO(100 * time.Millisecond)
	if small >= large {
		t.Fatalf("estimatePTO did not scale with RTT: %v vs %v", small, large)
	}
}
