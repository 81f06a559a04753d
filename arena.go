package h3upstream

import (
	"sync"

	"github.com/quic-go/quic-go"
)

// streamArena maps a quic.StreamID to its *RequestStream, replacing the
// raw pointer once stashed in a stream's user-data slot with a stable,
// indirect lookup — per the "raw pointers into stream user-data → stable
// index" design note this module generalizes from.
type streamArena struct {
	mu      sync.Mutex
	entries map[quic.StreamID]*RequestStream
}

func newStreamArena() *streamArena {
	return &streamArena{entries: make(map[quic.StreamID]*RequestStream)}
}

// Put records rs under id, overwriting any previous entry.
func (a *streamArena) Put(id quic.StreamID, rs *RequestStream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[id] = rs
}

// Get returns the RequestStream registered for id, if any.
func (a *streamArena) Get(id quic.StreamID) (*RequestStream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs, ok := a.entries[id]
	return rs, ok
}

// Delete clears the entry for id. It is always called before the
// RequestStream itself is allowed to go out of scope, so that a
// stream-not-found lookup after a credit-extension race never observes a
// half-torn-down stream.
func (a *streamArena) Delete(id quic.StreamID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
}

// Len reports the number of live entries, for tests and diagnostics.
func (a *streamArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
