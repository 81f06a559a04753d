package h3upstream

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// bodyChunk is one pulled unit of backend response body, carried over the
// bounded channel that stands in for the "ask the codec for up to N
// iovecs, block on WOULDBLOCK" pull loop a native QUIC stack would use.
// http3's ResponseWriter is a blocking io.Writer, not a pull interface, so
// the thread that would have polled iovecs instead blocks on a channel
// read, the idiomatic Go equivalent of the same backpressure.
type bodyChunk struct {
	p   []byte
	err error
}

// responsePump bridges a backend's push-style body delivery to the
// blocking io.Writer http3 exposes, with a bounded channel providing the
// backpressure an iovec quantum would provide at a native codec layer.
type responsePump struct {
	ch   chan bodyChunk
	done chan struct{}
}

func newResponsePump() *responsePump {
	return &responsePump{
		ch:   make(chan bodyChunk, 16),
		done: make(chan struct{}),
	}
}

// push delivers one chunk from the backend's I/O goroutine. It blocks if
// the pump's drain loop has fallen behind, which is the backpressure
// signal a native codec reporting WOULDBLOCK would produce.
func (p *responsePump) push(b []byte, err error) {
	buf := append([]byte(nil), b...)
	select {
	case p.ch <- bodyChunk{p: buf, err: err}:
	case <-p.done:
	}
}

func (p *responsePump) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// drain runs on the stream's own goroutine, writing chunks to w as they
// arrive until the backend signals EOF or an error, or the stream's
// context is cancelled.
func (p *responsePump) drain(ctx context.Context, rs *RequestStream, w http.ResponseWriter) error {
	for {
		select {
		case chunk := <-p.ch:
			if len(chunk.p) > 0 {
				n, werr := w.Write(chunk.p)
				rs.addRespBytes(int64(n))
				if werr != nil {
					return werr
				}
			}
			if chunk.err != nil {
				if errors.Is(chunk.err, io.EOF) {
					return nil
				}
				return chunk.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ServeHTTP is the "begin-headers callback" for every HTTP/3 request
// stream on this connection, driving request ingestion and response
// egress against the real http3/net-http surface.
func (uc *UpstreamConnection) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uc.OnPacketActivity()

	streamer, ok := w.(http3.HTTPStreamer)
	var streamID quic.StreamID
	if ok {
		streamID = streamer.HTTPStream().StreamID()
	}

	if uc.ShuttingDown() {
		rejectStream(w, streamer, ok)
		return
	}

	rs, err := NewRequestStream(streamID, r, w, uc.cfg)
	if err != nil {
		uc.rejectRequest(w, err)
		return
	}
	if m := uc.cfg.Metrics; m != nil {
		m.RequestStarted()
	}
	uc.arena.Put(streamID, rs)
	defer uc.arena.Delete(streamID)

	if err := uc.queue.Activate(r.Context(), rs.Authority); err != nil {
		if m := uc.cfg.Metrics; m != nil {
			m.QueueRejected()
		}
		uc.rejectRequest(w, ErrQueueOverflow)
		return
	}
	defer uc.queue.Release(rs.Authority)

	status := uc.dispatch(r.Context(), rs, w, r)
	if m := uc.cfg.Metrics; m != nil {
		m.RequestFinished(status)
	}
}

// rejectStream refuses a new stream opened on a connection that has
// already begun graceful shutdown, per the "a new stream opened after the
// real GOAWAY receives H3_REQUEST_REJECTED" rule: a stream-level
// RESET_STREAM/STOP_SENDING, not a 503 response, since the peer must be
// able to tell the difference between "the backend said no" and "this
// connection is going away, retry elsewhere." Falls back to a plain 503
// if w does not expose the underlying QUIC stream.
func rejectStream(w http.ResponseWriter, streamer http3.HTTPStreamer, ok bool) {
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	str := streamer.HTTPStream()
	str.CancelRead(quic.StreamErrorCode(h3RequestRejected))
	str.CancelWrite(quic.StreamErrorCode(h3RequestRejected))
}

func (uc *UpstreamConnection) rejectRequest(w http.ResponseWriter, err error) {
	status := statusFor(err)
	uc.log.Debug().Err(err).Int("status", status).Msg("rejecting request")
	http.Error(w, http.StatusText(status), status)
}
