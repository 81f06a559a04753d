package h3upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// ErrRequiresTLS is returned by a Backend when the selected backend will
// only serve a request over TLS, triggering a 308 HTTPS redirect instead
// of a backend dispatch.
var ErrRequiresTLS = errors.New("h3upstream: backend requires TLS")

// dispatch drives one RequestStream end to end against a backend,
// including bounded retry, TLS-redirect handling and WebSocket-aware
// status rewriting. It returns the HTTP status ultimately written to the
// client, for metrics.
func (uc *UpstreamConnection) dispatch(ctx context.Context, rs *RequestStream, w http.ResponseWriter, r *http.Request) int {
	for {
		status, retry := uc.attempt(ctx, rs, w, r)
		if !retry {
			return status
		}
		if m := uc.cfg.Metrics; m != nil {
			m.BackendRetry()
		}
		rs.recordRetry()
	}
}

// attempt makes one backend connection attempt for rs. The second return
// value is true if the caller should retry against a fresh backend
// connection rather than treating status as final.
func (uc *UpstreamConnection) attempt(ctx context.Context, rs *RequestStream, w http.ResponseWriter, r *http.Request) (status int, retry bool) {
	if uc.HandleRetryDuringShutdown(rs) {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable, false
	}

	conn, err := uc.backend.GetDownstreamConnection(ctx, rs)
	if err != nil {
		if errors.Is(err, ErrRequiresTLS) {
			w.Header().Set("Location", httpsRedirectLocation(r, uc.cfg.HTTP.RedirectHTTPSPort))
			w.WriteHeader(http.StatusPermanentRedirect)
			return http.StatusPermanentRedirect, false
		}
		kind, cerr := classifyBackendIOError(err, false)
		rs.recordError(kind, cerr)
		if rs.CanRetry() {
			return 0, true
		}
		uc.rejectRequest(w, rs.Err())
		return statusFor(rs.Err()), false
	}
	defer conn.Close()

	if ac, ok := conn.(AffinityBackendConn); ok {
		rs.setBackendID(ac.BackendID())
	}

	rs.setState(DispatchHeadersSent)
	pump := rs.beginAttempt()
	bctx := ctxWithStream(ctx, rs)

	header := r.Header.Clone()
	stripHopByHop(header)
	if err := conn.PushRequestHeaders(bctx, &BackendRequest{
		Method:    rs.Method,
		Authority: rs.Authority,
		Path:      rs.Path,
		Header:    header,
	}); err != nil {
		kind, cerr := classifyBackendIOError(err, false)
		rs.recordError(kind, cerr)
		if rs.CanRetry() {
			return 0, true
		}
		status = statusFor(rs.Err())
		uc.rejectRequest(w, rs.Err())
		return status, false
	}

	// An extended-CONNECT WebSocket tunnel's request body is an
	// open-ended duplex stream that may never reach EOF while the tunnel
	// is live, so it cannot be pushed to completion before headers are
	// awaited the way a bounded request body can. Push it concurrently
	// instead, and let it keep draining in the background for the life
	// of the tunnel.
	var bodyErrCh chan error
	if rs.IsWebSocket {
		bodyErrCh = make(chan error, 1)
		go func() { bodyErrCh <- uc.pushBody(bctx, conn, r.Body) }()
	} else if err := uc.pushBody(bctx, conn, r.Body); err != nil {
		kind, cerr := classifyBackendIOError(err, true)
		rs.recordError(kind, cerr)
		if rs.CanRetry() {
			return 0, true
		}
		status = statusFor(rs.Err())
		uc.rejectRequest(w, rs.Err())
		return status, false
	}

	if err := rs.awaitHeaders(ctx); err != nil {
		kind, cerr := classifyBackendIOError(err, true)
		rs.recordError(kind, cerr)
		status = statusFor(rs.Err())
		uc.rejectRequest(w, rs.Err())
		return status, false
	}
	if rsErr := rs.Err(); rsErr != nil && rs.State() == DispatchHeadersSent {
		if rs.CanRetry() {
			return 0, true
		}
		status = statusFor(rsErr)
		uc.rejectRequest(w, rsErr)
		return status, false
	}

	status = uc.writeResponse(ctx, rs, w, pump)
	if bodyErrCh != nil {
		select {
		case err := <-bodyErrCh:
			if err != nil && ctx.Err() == nil {
				rs.recordError(ErrorKindIO, err)
			}
		default:
			// The client's half of the tunnel is still draining after
			// the response side finished; that is normal for a duplex
			// tunnel closing from one end first, not a failure.
		}
	}
	return status, false
}

// pushBody streams body to conn in fixed-size chunks, signaling end of
// upload when body is exhausted.
func (uc *UpstreamConnection) pushBody(ctx context.Context, conn BackendConn, body io.ReadCloser) error {
	if body != nil {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				if perr := conn.PushUploadChunk(ctx, buf[:n]); perr != nil {
					return perr
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					return rerr
				}
				break
			}
		}
	}
	return conn.EndUploadData(ctx)
}

// writeResponse writes headers and streams the body, performing the
// WebSocket status rewrite, hop-by-hop stripping, and content-length
// validation against the backend-declared length.
func (uc *UpstreamConnection) writeResponse(ctx context.Context, rs *RequestStream, w http.ResponseWriter, pump *responsePump) int {
	status, header, contentLength := rs.response()
	if header == nil {
		header = make(http.Header)
	}
	stripHopByHop(header)
	applyResponseHeaders(header, &uc.cfg.HTTP)
	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if id := rs.BackendID(); id != "" && id != rs.PreferredBackendID && rs.Method != http.MethodConnect {
		setAffinityCookie(w.Header(), id)
	}
	if rs.IsWebSocket {
		status = rewriteWebSocketUpgrade(status, w.Header())
	}
	w.WriteHeader(status)
	rs.setState(DispatchBodyStarted)
	defer pump.close()

	if err := pump.drain(ctx, rs, w); err != nil {
		rs.recordError(ErrorKindApplication, err)
		abortStream(w, h3GeneralProtocolError)
		return status
	}

	if contentLength >= 0 && rs.RespBytes() != contentLength {
		rs.recordError(ErrorKindApplication, errors.New("h3upstream: response body length did not match content-length"))
		abortStream(w, h3GeneralProtocolError)
		return status
	}
	rs.setState(DispatchDone)
	return status
}

// abortStream resets the single QUIC stream behind w with code, per the
// "a client RST_STREAM... shuts down only the affected request" rule: a
// backend reset or a body that falls short of its declared content-length
// is this stream's problem, not proof the connection itself is broken, so
// only this stream is torn down. Headers and any body bytes already
// written before the failure was detected stand; the abort tells the
// client the response it already started receiving is incomplete, rather
// than letting it read a clean FIN on a truncated body. If w does not
// expose the underlying stream, there is nothing to cancel beyond closing
// the pump, which the caller does when it returns.
func abortStream(w http.ResponseWriter, code uint64) {
	streamer, ok := w.(http3.HTTPStreamer)
	if !ok {
		return
	}
	str := streamer.HTTPStream()
	str.CancelWrite(quic.StreamErrorCode(code))
	str.CancelRead(quic.StreamErrorCode(code))
}

// classifyBackendIOError turns a raw backend I/O failure into the
// (ErrorKind, error) pair statusFor maps to a client-visible status. A
// deadline exceeded after request headers had already reached the
// backend becomes ErrUpstreamTimeout (504: the backend took the request
// and then stalled). The same deadline before headers were handed off
// becomes ErrHandshakeTimeout (408: the backend was never reached in
// time). Any other I/O failure is passed through unclassified, which
// statusFor's ErrorKindBackend/IO fallback maps to 502.
func classifyBackendIOError(err error, headersSent bool) (ErrorKind, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		if headersSent {
			return ErrorKindIO, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return ErrorKindIO, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return ErrorKindBackend, err
}
