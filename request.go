package h3upstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// DispatchState tracks where a RequestStream is in its lifecycle relative
// to the backend connection, for retry decisions.
type DispatchState int

const (
	// DispatchIdle means no backend has been selected yet.
	DispatchIdle DispatchState = iota
	// DispatchHeadersSent means the request headers were pushed to a
	// backend but no response has arrived.
	DispatchHeadersSent
	// DispatchBodyStarted means at least one response byte has been
	// written to the client; a backend failure from here on cannot be
	// silently retried.
	DispatchBodyStarted
	// DispatchDone means the request/response exchange has completed,
	// successfully or not.
	DispatchDone
)

// RequestStream is this module's realization of one HTTP/3 request: an
// http3/net-http request bound to its response sink, the backend
// connection it is (or will be) dispatched against, and the bookkeeping
// needed for bounded retry. It lives in a streamArena keyed by its
// quic.StreamID for the lifetime of the exchange.
type RequestStream struct {
	ID          quic.StreamID
	Authority   string
	Method      string
	Path        string
	Protocol    string // :protocol pseudo-header, e.g. "websocket"; empty otherwise
	IsWebSocket bool

	Request *http.Request
	Writer  http.ResponseWriter

	// PreferredBackendID is the backend ID named by the request's
	// affinity cookie, if any; a Backend that supports affinity may use
	// it to route the request to the same pool member that served the
	// client before.
	PreferredBackendID string

	mu          sync.Mutex
	state       DispatchState
	retries     int
	maxRetries  int
	backendConn BackendConn
	backendID   string
	err         *connError

	respBytes int64
	started   time.Time

	pump       *responsePump
	headerOnce sync.Once
	headerDone chan struct{}
	respStatus int
	respHeader http.Header
	respCLen   int64
}

// knownMethods is the allow-list of HTTP methods this endpoint forwards.
// A method outside this set is rejected with 501 before a backend is ever
// consulted, matching the net/http registered method set plus CONNECT.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// NewRequestStream builds a RequestStream from an already-parsed
// *http.Request, applying the pseudo-header validation and path
// canonicalization a reverse-proxy frontend must perform.
func NewRequestStream(id quic.StreamID, r *http.Request, w http.ResponseWriter, cfg *Config) (*RequestStream, error) {
	rs := &RequestStream{
		ID:         id,
		Authority:  r.Host,
		Method:     r.Method,
		Request:    r,
		Writer:     w,
		maxRetries: 2,
		started:    time.Now(),
		headerDone: make(chan struct{}),
	}

	if r.Method == "" {
		return nil, ErrMalformedPseudoHeader
	}
	if !knownMethods[r.Method] {
		return nil, ErrUnknownMethod
	}
	if cfg.HTTP2Proxy {
		if r.Method != http.MethodConnect && !cfg.AltMode && r.Host == "" {
			return nil, ErrMalformedPseudoHeader
		}
	} else if r.Host == "" {
		return nil, ErrMalformedPseudoHeader
	}
	if err := checkHeaderBudget(r.Header, cfg); err != nil {
		return nil, err
	}
	rs.PreferredBackendID = affinityBackendID(r)

	if isExtendedConnect(r) {
		rs.IsWebSocket = true
		rs.Protocol = r.Proto
		if rs.Protocol != "websocket" {
			return nil, ErrMalformedPseudoHeader
		}
	}

	if p := r.URL.Path; p != "" {
		if r.Method == http.MethodOptions && p == "*" {
			rs.Path = p
		} else if cfg.HTTP2Proxy {
			rs.Path = p
		} else {
			rs.Path = cleanPath(p)
		}
	} else {
		rs.Path = "/"
	}

	return rs, nil
}

// checkHeaderBudget enforces the request-header field count and
// per-field size limits this endpoint advertises, rejecting a request
// that exceeds either before it is ever dispatched to a backend.
func checkHeaderBudget(h http.Header, cfg *Config) error {
	if cfg.HTTP.MaxRequestHeaderFields > 0 {
		n := 0
		for _, vs := range h {
			n += len(vs)
		}
		if n > cfg.HTTP.MaxRequestHeaderFields {
			return ErrTooManyHeaderFields
		}
	}
	if cfg.HTTP.RequestHeaderFieldBuffer > 0 {
		for name, vs := range h {
			for _, v := range vs {
				if len(name)+len(v) > cfg.HTTP.RequestHeaderFieldBuffer {
					return ErrHeaderFieldTooLarge
				}
			}
		}
	}
	return nil
}

// isExtendedConnect reports whether r is an RFC 9220 extended CONNECT, the
// shape used to tunnel WebSocket over HTTP/3. quic-go's http3 server
// surfaces the :protocol pseudo-header through r.Proto rather than
// r.Header: a plain HTTP/3 request's Proto is the "HTTP/3.0"-shaped
// version string, while an extended CONNECT's Proto is the bare protocol
// token (e.g. "websocket").
func isExtendedConnect(r *http.Request) bool {
	return r.Method == http.MethodConnect && r.Proto != "" && !strings.HasPrefix(r.Proto, "HTTP/")
}

func (rs *RequestStream) State() DispatchState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func (rs *RequestStream) setState(s DispatchState) {
	rs.mu.Lock()
	rs.state = s
	rs.mu.Unlock()
}

// CanRetry reports whether a fresh backend attempt is still allowed: the
// response body must not have started, and the retry budget must not be
// exhausted.
func (rs *RequestStream) CanRetry() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state < DispatchBodyStarted && rs.retries < rs.maxRetries
}

// setBackendID records which backend pool member served this attempt, for
// writeResponse to pin via the affinity cookie.
func (rs *RequestStream) setBackendID(id string) {
	rs.mu.Lock()
	rs.backendID = id
	rs.mu.Unlock()
}

// BackendID reports the backend pool member that served the current
// attempt, or "" if the backend does not report one.
func (rs *RequestStream) BackendID() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.backendID
}

func (rs *RequestStream) recordRetry() {
	rs.mu.Lock()
	rs.retries++
	rs.mu.Unlock()
}

func (rs *RequestStream) recordError(kind ErrorKind, err error) {
	rs.mu.Lock()
	if rs.err == nil || isTransportParamError(err) {
		rs.err = &connError{Kind: kind, Err: err}
	}
	rs.mu.Unlock()
}

func (rs *RequestStream) Err() *connError {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.err
}

func (rs *RequestStream) addRespBytes(n int64) {
	rs.mu.Lock()
	rs.respBytes += n
	rs.mu.Unlock()
}

// RespBytes reports the number of response bytes written so far, used to
// validate against a backend-declared Content-Length on completion.
func (rs *RequestStream) RespBytes() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.respBytes
}

// beginAttempt (re)arms the per-attempt response-delivery plumbing before
// a fresh backend connection is pushed to, so a retried attempt doesn't
// observe the previous attempt's stale header-complete signal or recorded
// error.
func (rs *RequestStream) beginAttempt() *responsePump {
	rs.mu.Lock()
	rs.err = nil
	rs.headerOnce = sync.Once{}
	rs.headerDone = make(chan struct{})
	rs.pump = newResponsePump()
	pump := rs.pump
	rs.mu.Unlock()
	return pump
}

// OnDownstreamHeaderComplete records the backend's response status,
// headers and declared content length, and unblocks whoever is waiting
// on awaitHeaders. It is the Go realization of
// on_downstream_header_complete, called from the backend's own goroutine.
func (rs *RequestStream) OnDownstreamHeaderComplete(status int, header http.Header, contentLength int64) {
	rs.mu.Lock()
	rs.respStatus = status
	rs.respHeader = header
	rs.respCLen = contentLength
	done := rs.headerDone
	rs.mu.Unlock()
	rs.headerOnce.Do(func() { close(done) })
}

// OnDownstreamBody delivers one chunk of response body, the Go
// realization of on_downstream_body.
func (rs *RequestStream) OnDownstreamBody(p []byte) {
	rs.mu.Lock()
	pump := rs.pump
	rs.mu.Unlock()
	if pump != nil {
		pump.push(p, nil)
	}
}

// OnDownstreamBodyComplete signals that the response body has ended
// normally, the Go realization of on_downstream_body_complete.
func (rs *RequestStream) OnDownstreamBodyComplete() {
	rs.mu.Lock()
	pump := rs.pump
	rs.mu.Unlock()
	if pump != nil {
		pump.push(nil, io.EOF)
	}
}

// OnDownstreamReset reports an abnormal backend-side stream termination,
// the Go realization of on_downstream_reset.
func (rs *RequestStream) OnDownstreamReset(err error) {
	rs.recordError(ErrorKindBackend, err)
	rs.headerOnce.Do(func() {
		rs.mu.Lock()
		done := rs.headerDone
		rs.mu.Unlock()
		close(done)
	})
	rs.mu.Lock()
	pump := rs.pump
	rs.mu.Unlock()
	if pump != nil {
		pump.push(nil, err)
	}
}

// awaitHeaders blocks until the backend has delivered (or failed to
// deliver) response headers for the current attempt.
func (rs *RequestStream) awaitHeaders(ctx context.Context) error {
	rs.mu.Lock()
	done := rs.headerDone
	rs.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *RequestStream) response() (status int, header http.Header, contentLength int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.respStatus, rs.respHeader, rs.respCLen
}

// ctxWithStream attaches rs to ctx so backend callbacks that only have a
// context can recover it without a second lookup into the arena.
func ctxWithStream(ctx context.Context, rs *RequestStream) context.Context {
	return context.WithValue(ctx, requestStreamCtxKey{}, rs)
}

type requestStreamCtxKey struct{}

func requestStreamFromCtx(ctx context.Context) (*RequestStream, bool) {
	rs, ok := ctx.Value(requestStreamCtxKey{}).(*RequestStream)
	return rs, ok
}
