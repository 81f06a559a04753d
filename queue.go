package h3upstream

import (
	"context"
	"sync"
)

// waiter is one stream blocked on admission, woken by closing ch once a
// slot has been reserved for it.
type waiter struct {
	authority string
	ch        chan struct{}
}

// DownstreamQueue admits RequestStreams against a capacity limit and, in
// HTTP/2-proxy mode, a per-authority limit on top of it. Unlike the
// single-threaded reactor this design generalizes from, http3.Server
// dispatches each stream's ServeHTTP on its own goroutine, so this type
// needs its own mutex (see the queue.go entry in DESIGN.md) and a real
// FIFO wait queue rather than a pull loop: a stream that cannot be
// admitted immediately blocks in Activate until Release makes room or its
// context is done.
type DownstreamQueue struct {
	mu           sync.Mutex
	capacity     int
	active       int
	perAuthority map[string]int
	perHostCap   int
	blocked      map[string][]*waiter
}

// NewDownstreamQueue builds a queue admitting at most capacity concurrently
// active streams overall, and at most perHostCap per authority when
// perHostCap is positive (HTTP/2-proxy mode); perHostCap of 0 disables the
// per-authority limit.
func NewDownstreamQueue(capacity, perHostCap int) *DownstreamQueue {
	return &DownstreamQueue{
		capacity:     capacity,
		perHostCap:   perHostCap,
		perAuthority: make(map[string]int),
		blocked:      make(map[string][]*waiter),
	}
}

// CanActivate reports whether a new stream for authority may be admitted
// right now, without admitting it.
func (q *DownstreamQueue) CanActivate(authority string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canActivateLocked(authority)
}

func (q *DownstreamQueue) canActivateLocked(authority string) bool {
	if q.capacity > 0 && q.active >= q.capacity {
		return false
	}
	if q.perHostCap > 0 && q.perAuthority[authority] >= q.perHostCap {
		return false
	}
	return true
}

func (q *DownstreamQueue) admitLocked(authority string) {
	q.active++
	q.perAuthority[authority]++
}

// Activate admits a stream for authority, blocking until a slot is free if
// the queue is currently at either capacity bound. It returns ctx.Err() if
// ctx is done before a slot opens up, in which case no slot is held and the
// caller must treat the request as rejected rather than retry Release.
func (q *DownstreamQueue) Activate(ctx context.Context, authority string) error {
	q.mu.Lock()
	if q.canActivateLocked(authority) {
		q.admitLocked(authority)
		q.mu.Unlock()
		return nil
	}
	w := &waiter{authority: authority, ch: make(chan struct{})}
	q.blocked[authority] = append(q.blocked[authority], w)
	q.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		admitted := isClosed(w.ch)
		if !admitted {
			q.removeWaiterLocked(w)
		}
		q.mu.Unlock()
		if admitted {
			// Woken concurrently with cancellation; the slot is already
			// reserved, so give it back rather than leak it.
			q.Release(authority)
		}
		return ctx.Err()
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (q *DownstreamQueue) removeWaiterLocked(w *waiter) {
	pending := q.blocked[w.authority]
	for i, ww := range pending {
		if ww == w {
			q.blocked[w.authority] = append(pending[:i:i], pending[i+1:]...)
			if len(q.blocked[w.authority]) == 0 {
				delete(q.blocked, w.authority)
			}
			return
		}
	}
}

// Release frees the admission slot held by a stream for authority and
// wakes the next waiter that now fits, if any: first a waiter for the same
// authority (the natural FIFO order for a per-authority cap release), then
// any other authority's waiter if overall capacity is what freed up.
func (q *DownstreamQueue) Release(authority string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		q.active--
	}
	if n := q.perAuthority[authority]; n > 0 {
		q.perAuthority[authority] = n - 1
	}
	if q.wakeOneLocked(authority) {
		return
	}
	for other := range q.blocked {
		if other == authority {
			continue
		}
		if q.wakeOneLocked(other) {
			return
		}
	}
}

func (q *DownstreamQueue) wakeOneLocked(authority string) bool {
	pending := q.blocked[authority]
	if len(pending) == 0 || !q.canActivateLocked(authority) {
		return false
	}
	next := pending[0]
	rest := pending[1:]
	if len(rest) == 0 {
		delete(q.blocked, authority)
	} else {
		q.blocked[authority] = rest
	}
	q.admitLocked(authority)
	close(next.ch)
	return true
}

// Len reports the number of currently active streams, for diagnostics and
// tests.
func (q *DownstreamQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
