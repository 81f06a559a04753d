package h3upstream

import (
	"context"
	"net/http"
	"time"
)

// Demux is the seam toward the external connection-ID demultiplexer that
// routes inbound datagrams to a connection. Endpoint provides a
// self-contained default sufficient for a single-process deployment;
// production deployments that shard connections across workers supply
// their own.
type Demux interface {
	Register(scid []byte, conn *UpstreamConnection)
	RegisterHashed(hash string, conn *UpstreamConnection)
	Unregister(scid []byte, hashedSCID string)
	EnterCloseWait(scids [][]byte, packet []byte, ttl time.Duration)
}

// Backend is the contract toward the backend connection pool: given a
// RequestStream, it returns a connection (already dialed, or pooled) that
// the caller can push the request onto.
type Backend interface {
	GetDownstreamConnection(ctx context.Context, rs *RequestStream) (BackendConn, error)
}

// BackendConn is one backend connection's request/response surface. Its
// callbacks into this package (see RequestStream's OnDownstream* methods)
// are invoked synchronously from the backend's own I/O goroutine — the
// backend owns its I/O thread, and this package never blocks it beyond
// the duration of updating a RequestStream's local state.
type BackendConn interface {
	// PushRequestHeaders sends req to the backend. The backend is
	// expected to eventually call rs.OnDownstreamHeaderComplete (or
	// OnDownstreamReset on failure) from its own goroutine, where rs is
	// recoverable from ctx via RequestStreamFromContext.
	PushRequestHeaders(ctx context.Context, req *BackendRequest) error
	// PushUploadChunk forwards one chunk of request body.
	PushUploadChunk(ctx context.Context, p []byte) error
	// EndUploadData signals that the request body is complete.
	EndUploadData(ctx context.Context) error
	// Close releases the connection back to its pool, or tears it down.
	Close() error
}

// AffinityBackendConn is implemented by a BackendConn whose Backend pool
// supports session affinity: BackendID identifies which pool member
// served the request, so the caller can pin future requests on the same
// connection to it via a Set-Cookie response header.
type AffinityBackendConn interface {
	BackendConn
	BackendID() string
}

// BackendRequest carries the fields a Backend needs to open an upstream
// request.
type BackendRequest struct {
	Method    string
	Authority string
	Path      string
	Header    http.Header
}

// RequestStreamFromContext recovers the RequestStream a Backend
// implementation was handed via PushRequestHeaders's context, so its
// response-delivery goroutine can report back without a second lookup.
func RequestStreamFromContext(ctx context.Context) (*RequestStream, bool) {
	return requestStreamFromCtx(ctx)
}
