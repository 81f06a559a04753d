package h3upstream

import (
	"sync"
	"time"
)

// TimerSet holds a connection's idle timer, which tears the connection down
// when nothing has happened for too long. It is the only timer here: the
// close-wait expiry is tracked by the Demux's registry, and graceful
// shutdown is bounded by Endpoint.Shutdown's grace period. The timer carries
// a capability (a closure) rather than a back-pointer into the connection,
// per the "timer-wheel entry with capability, no back-pointer" design note
// this generalizes from.
type TimerSet struct {
	mu      sync.Mutex
	idle    *time.Timer
	stopped bool
}

// NewTimerSet arms the idle timer with d and calls onIdle when it fires.
// onIdle is never called after Stop.
func NewTimerSet(d time.Duration, onIdle func()) *TimerSet {
	ts := &TimerSet{}
	ts.idle = time.AfterFunc(d, func() {
		ts.mu.Lock()
		stopped := ts.stopped
		ts.mu.Unlock()
		if !stopped {
			onIdle()
		}
	})
	return ts
}

// Rearm resets the idle timer to d, as every inbound or outbound packet
// does on the original connection's idle deadline. A zero or negative d
// is rounded up to 1ns: a timer that never fires again is not the same as
// no timer, and time.Timer.Reset rejects non-positive durations.
func (ts *TimerSet) Rearm(d time.Duration) {
	if d <= 0 {
		d = time.Nanosecond
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.stopped {
		return
	}
	ts.idle.Reset(d)
}

// Stop cancels every armed timer. It is safe to call more than once.
func (ts *TimerSet) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.stopped {
		return
	}
	ts.stopped = true
	if ts.idle != nil {
		ts.idle.Stop()
	}
}

// estimatePTO approximates probe timeout from the configured initial RTT,
// since the stable quic.Connection API does not expose smoothed RTT on
// every quic-go release this module targets (see DESIGN.md, "PTO
// estimation"). The approximation is deliberately conservative, erring
// toward a longer close-wait window rather than a shorter one.
func estimatePTO(initialRTT time.Duration) time.Duration {
	if initialRTT <= 0 {
		initialRTT = 100 * time.Millisecond
	}
	return initialRTT + initialRTT/4 + 25*time.Millisecond
}
