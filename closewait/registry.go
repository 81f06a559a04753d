// Package closewait implements the close-wait registry: the bookkeeping
// layer that decides how long a connection's identity stays reserved
// after it starts closing, so that stray packets arriving during the
// drain period can still be recognized and answered (or silently
// dropped) instead of spawning a new connection attempt.
package closewait

import (
	"sync"
	"time"
)

// Entry is one close-wait reservation: the stored close packet (if any)
// to keep replying with, and the time it expires.
type Entry struct {
	Packet  []byte
	Expires time.Time
}

// Registry tracks close-wait entries keyed by connection ID (SCID) bytes,
// expiring them lazily on lookup and via a periodic sweep.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Enter reserves each of scids for ttl, associating packet with them so a
// future lookup can answer a retransmitted or straggling packet without
// the original UpstreamConnection object still being alive.
func (r *Registry) Enter(scids [][]byte, packet []byte, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp := r.now().Add(ttl)
	for _, scid := range scids {
		r.entries[string(scid)] = Entry{Packet: packet, Expires: exp}
	}
}

// Lookup reports whether scid is currently in close-wait, and the
// associated entry if so. An expired entry is treated as absent and
// removed.
func (r *Registry) Lookup(scid []byte) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(scid)
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	if r.now().After(e.Expires) {
		delete(r.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Sweep removes every entry that has expired as of now. Callers typically
// run this on a ticker; it is also applied lazily by Lookup, so Sweep is
// only needed to bound memory for SCIDs that are never looked up again.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, e := range r.entries {
		if now.After(e.Expires) {
			delete(r.entries, k)
		}
	}
}

// Len reports the number of entries currently held, expired or not, for
// diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
