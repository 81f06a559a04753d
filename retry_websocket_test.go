package h3upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// fakeQUICConn is the minimal quic.Connection stub needed to build an
// UpstreamConnection in a unit test, without a real QUIC handshake.
// Everything beyond Context/CloseWithError is unreached by the tests that
// use it and panics if that assumption ever breaks.
type fakeQUICConn struct{}

func (fakeQUICConn) AcceptStream(context.Context) (quic.Stream, error) { panic("not used") }
func (fakeQUICConn) AcceptUniStream(context.Context) (quic.ReceiveStream, error) {
	panic("not used")
}
func (fakeQUICConn) OpenStream() (quic.Stream, error)                        { panic("not used") }
func (fakeQUICConn) OpenStreamSync(context.Context) (quic.Stream, error)     { panic("not used") }
func (fakeQUICConn) OpenUniStream() (quic.SendStream, error)                 { panic("not used") }
func (fakeQUICConn) OpenUniStreamSync(context.Context) (quic.SendStream, error) {
	panic("not used")
}
func (fakeQUICConn) LocalAddr() net.Addr                      { return &net.UDPAddr{} }
func (fakeQUICConn) RemoteAddr() net.Addr                     { return &net.UDPAddr{} }
func (fakeQUICConn) CloseWithError(quic.ApplicationErrorCode, string) error { return nil }
func (fakeQUICConn) Context() context.Context                 { return context.Background() }
func (fakeQUICConn) ConnectionState() quic.ConnectionState     { return quic.ConnectionState{} }
func (fakeQUICConn) SendDatagram([]byte) error                 { return errors.New("not used") }
func (fakeQUICConn) ReceiveDatagram(context.Context) ([]byte, error) {
	return nil, errors.New("not used")
}

// blockingBody simulates an extended-CONNECT WebSocket tunnel's client
// body: an open-ended duplex stream that never reaches EOF while the
// tunnel is live, only unblocking when the request's context ends.
type blockingBody struct{ ctx context.Context }

func (b blockingBody) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}
func (b blockingBody) Close() error { return nil }

// wsBackendConn answers PushRequestHeaders immediately with a 101 (to be
// rewritten to 200) and never completes EndUploadData, modeling a live
// tunnel.
type wsBackendConn struct{}

func (c *wsBackendConn) PushRequestHeaders(ctx context.Context, req *BackendRequest) error {
	rs, ok := RequestStreamFromContext(ctx)
	if !ok {
		return errors.New("no request stream in context")
	}
	// Models the tunnel's reverse direction answering and then closing
	// quickly, independent of the still-open forward direction (the
	// client body, which never reaches EOF in this test).
	go func() {
		rs.OnDownstreamHeaderComplete(http.StatusSwitchingProtocols, make(http.Header), -1)
		rs.OnDownstreamBody([]byte("tunnel-ack"))
		rs.OnDownstreamBodyComplete()
	}()
	return nil
}
func (c *wsBackendConn) PushUploadChunk(ctx context.Context, p []byte) error { return nil }
func (c *wsBackendConn) EndUploadData(ctx context.Context) error            { return nil }
func (c *wsBackendConn) Close() error                                       { return nil }

type wsBackend struct{ conn *wsBackendConn }

func (b *wsBackend) GetDownstreamConnection(ctx context.Context, rs *RequestStream) (BackendConn, error) {
	return b.conn, nil
}

// TestDispatchWebSocketDoesNotBlockOnOpenBody confirms that an extended-
// CONNECT WebSocket tunnel's response is delivered as soon as the backend
// answers, without waiting for the (never-ending) client body to reach
// EOF first.
func TestDispatchWebSocketDoesNotBlockOnOpenBody(t *testing.T) {
	cfg := DefaultConfig()
	uc := NewUpstreamConnection(&cfg, fakeQUICConn{}, []byte("scid"), nil, &wsBackend{conn: &wsBackendConn{}})

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := &http.Request{
		Method: http.MethodConnect,
		Proto:  "websocket",
		Host:   "example.com",
		Header: make(http.Header),
		URL:    &url.URL{Path: "/chat"},
		Body:   blockingBody{ctx: reqCtx},
	}
	r = r.WithContext(reqCtx)

	w := httptest.NewRecorder()
	rs, err := NewRequestStream(0, r, w, &cfg)
	require.NoError(t, err)
	require.True(t, rs.IsWebSocket)

	done := make(chan int, 1)
	go func() { done <- uc.dispatch(reqCtx, rs, w, r) }()

	select {
	case status := <-done:
		require.Equal(t, http.StatusOK, status, "101 must be rewritten to 200 for the HTTP/3 extended-CONNECT response")
	case <-time.After(time.Second):
		t.Fatalf("dispatch blocked on the open-ended tunnel body instead of returning once headers arrived")
	}
}
