// Package backend provides a minimal, independently testable Backend
// implementation on top of net/http, plus an in-memory variant for unit
// tests that don't need a real network round trip. Production backend
// pools, TLS loading and access logging remain out of scope, same as the
// upstream connector they sit behind.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/h3rp/h3upstream"
)

// HTTPBackend dispatches every request to a fixed upstream base URL over
// plain HTTP/1.1, using http.DefaultTransport-style pooling via the
// embedded *http.Client. It is the net/http-based collaborator for real
// deployments; this module's end-to-end tests use MemoryBackend instead.
type HTTPBackend struct {
	Client  *http.Client
	BaseURL string
}

// NewHTTPBackend builds a backend that proxies to baseURL.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{Client: &http.Client{}, BaseURL: baseURL}
}

func (b *HTTPBackend) GetDownstreamConnection(ctx context.Context, rs *h3upstream.RequestStream) (h3upstream.BackendConn, error) {
	return &httpBackendConn{backend: b}, nil
}

type httpBackendConn struct {
	backend *HTTPBackend
	req     *http.Request
	body    *bytes.Buffer
	mu      sync.Mutex
}

func (c *httpBackendConn) PushRequestHeaders(ctx context.Context, req *h3upstream.BackendRequest) error {
	url := c.backend.BaseURL + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, nil)
	if err != nil {
		return fmt.Errorf("backend: building request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Host = req.Authority
	c.mu.Lock()
	c.req = httpReq
	c.body = &bytes.Buffer{}
	c.mu.Unlock()
	return nil
}

func (c *httpBackendConn) PushUploadChunk(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.body.Write(p)
	return err
}

func (c *httpBackendConn) EndUploadData(ctx context.Context) error {
	c.mu.Lock()
	req := c.req
	body := c.body
	c.mu.Unlock()
	if body.Len() > 0 {
		req.Body = io.NopCloser(bytes.NewReader(body.Bytes()))
		req.ContentLength = int64(body.Len())
	}

	rs, ok := h3upstream.RequestStreamFromContext(ctx)
	if !ok {
		return fmt.Errorf("backend: no request stream in context")
	}

	go c.roundTrip(req, rs)
	return nil
}

// roundTrip runs on its own goroutine, the backend's own I/O thread, and
// reports the result back through rs's OnDownstream* callbacks exactly as
// a real backend connection would.
func (c *httpBackendConn) roundTrip(req *http.Request, rs *h3upstream.RequestStream) {
	resp, err := c.backend.Client.Do(req)
	if err != nil {
		rs.OnDownstreamReset(fmt.Errorf("backend: round trip: %w", err))
		return
	}
	defer resp.Body.Close()

	rs.OnDownstreamHeaderComplete(resp.StatusCode, resp.Header.Clone(), resp.ContentLength)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			rs.OnDownstreamBody(buf[:n])
		}
		if rerr != nil {
			if rerr != io.EOF {
				rs.OnDownstreamReset(fmt.Errorf("backend: reading body: %w", rerr))
				return
			}
			break
		}
	}
	rs.OnDownstreamBodyComplete()
}

func (c *httpBackendConn) Close() error { return nil }
