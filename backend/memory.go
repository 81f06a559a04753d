package backend

import (
	"context"
	"net/http"
	"sync"

	"github.com/h3rp/h3upstream"
)

// MemoryBackend serves canned responses keyed by path, without touching
// the network. It exists for fast, deterministic unit tests of the
// upstream's request/response plumbing.
type MemoryBackend struct {
	mu        sync.Mutex
	Responses map[string]MemoryResponse
	// RequiresTLS, if true, makes every GetDownstreamConnection call fail
	// with h3upstream.ErrRequiresTLS, exercising the HTTPS-redirect path.
	RequiresTLS bool
	// Pool, if non-empty, makes GetDownstreamConnection honor
	// rs.PreferredBackendID (falling back to round-robin over Pool when
	// it names no member) and report the
	// chosen member via BackendID, exercising affinity pinning.
	Pool []string
	next int
}

// MemoryResponse is one canned response.
type MemoryResponse struct {
	Status        int
	Header        http.Header
	Body          []byte
	ContentLength int64
	// Block, if non-nil, delays delivering this response until the
	// channel is closed or receives a value, so a test can hold a
	// request genuinely in flight.
	Block <-chan struct{}
}

// NewMemoryBackend builds an empty MemoryBackend; populate Responses
// before use.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{Responses: make(map[string]MemoryResponse)}
}

func (b *MemoryBackend) GetDownstreamConnection(ctx context.Context, rs *h3upstream.RequestStream) (h3upstream.BackendConn, error) {
	if b.RequiresTLS {
		return nil, h3upstream.ErrRequiresTLS
	}
	if len(b.Pool) == 0 {
		return &memoryConn{backend: b}, nil
	}
	return &memoryConn{backend: b, backendID: b.pickLocked(rs.PreferredBackendID)}, nil
}

func (b *MemoryBackend) pickLocked(preferred string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.Pool {
		if id == preferred {
			return id
		}
	}
	id := b.Pool[b.next%len(b.Pool)]
	b.next++
	return id
}

type memoryConn struct {
	backend   *MemoryBackend
	path      string
	backendID string
}

// BackendID implements h3upstream.AffinityBackendConn.
func (c *memoryConn) BackendID() string { return c.backendID }

func (c *memoryConn) PushRequestHeaders(ctx context.Context, req *h3upstream.BackendRequest) error {
	c.path = req.Path
	return nil
}

func (c *memoryConn) PushUploadChunk(ctx context.Context, p []byte) error { return nil }

func (c *memoryConn) EndUploadData(ctx context.Context) error {
	rs, ok := h3upstream.RequestStreamFromContext(ctx)
	if !ok {
		return nil
	}
	c.backend.mu.Lock()
	resp, ok := c.backend.Responses[c.path]
	c.backend.mu.Unlock()
	if !ok {
		resp = MemoryResponse{Status: http.StatusNotFound, ContentLength: 0}
	}
	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}
	go func() {
		if resp.Block != nil {
			<-resp.Block
		}
		rs.OnDownstreamHeaderComplete(resp.Status, header.Clone(), resp.ContentLength)
		if len(resp.Body) > 0 {
			rs.OnDownstreamBody(resp.Body)
		}
		rs.OnDownstreamBodyComplete()
	}()
	return nil
}

func (c *memoryConn) Close() error { return nil }
