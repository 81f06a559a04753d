package h3upstream

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseRequest(method, host, path string) *http.Request {
	return &http.Request{
		Method: method,
		Host:   host,
		Header: make(http.Header),
		URL:    &url.URL{Path: path},
	}
}

func TestNewRequestStreamRejectsUnknownMethod(t *testing.T) {
	cfg := DefaultConfig()
	r := baseRequest("BREW", "example.com", "/")

	_, err := NewRequestStream(0, r, nil, &cfg)
	require.ErrorIs(t, err, ErrUnknownMethod)
	require.Equal(t, http.StatusNotImplemented, statusFor(err))
}

func TestNewRequestStreamAcceptsKnownMethod(t *testing.T) {
	cfg := DefaultConfig()
	r := baseRequest(http.MethodGet, "example.com", "/")

	rs, err := NewRequestStream(0, r, nil, &cfg)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, rs.Method)
}

func TestNewRequestStreamHTTP2ProxyMissingAuthorityIsProtocolError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP2Proxy = true
	r := baseRequest(http.MethodGet, "", "/")

	_, err := NewRequestStream(0, r, nil, &cfg)
	require.ErrorIs(t, err, ErrMalformedPseudoHeader)
}

func TestNewRequestStreamHTTP2ProxyConnectAllowsMissingAuthority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP2Proxy = true
	r := baseRequest(http.MethodConnect, "", "/")

	_, err := NewRequestStream(0, r, nil, &cfg)
	require.NoError(t, err)
}

func TestNewRequestStreamHTTP2ProxyAltModeAllowsMissingAuthority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP2Proxy = true
	cfg.AltMode = true
	r := baseRequest(http.MethodGet, "", "/")

	_, err := NewRequestStream(0, r, nil, &cfg)
	require.NoError(t, err)
}

func TestNewRequestStreamExtendedConnectWebSocket(t *testing.T) {
	cfg := DefaultConfig()
	r := baseRequest(http.MethodConnect, "example.com", "/chat")
	r.Proto = "websocket"

	rs, err := NewRequestStream(0, r, nil, &cfg)
	require.NoError(t, err)
	require.True(t, rs.IsWebSocket)
	require.Equal(t, "websocket", rs.Protocol)
}

func TestNewRequestStreamExtendedConnectRejectsNonWebSocketProtocol(t *testing.T) {
	cfg := DefaultConfig()
	r := baseRequest(http.MethodConnect, "example.com", "/")
	r.Proto = "connect-udp"

	_, err := NewRequestStream(0, r, nil, &cfg)
	require.ErrorIs(t, err, ErrMalformedPseudoHeader)
}

func TestNewRequestStreamPlainConnectIsNotExtendedConnect(t *testing.T) {
	cfg := DefaultConfig()
	r := baseRequest(http.MethodConnect, "example.com", "/")
	r.Proto = "HTTP/3.0"

	rs, err := NewRequestStream(0, r, nil, &cfg)
	require.NoError(t, err)
	require.False(t, rs.IsWebSocket)
}

func TestNewRequestStreamNonProxyModeRequiresAuthority(t *testing.T) {
	cfg := DefaultConfig()
	r := baseRequest(http.MethodGet, "", "/")

	_, err := NewRequestStream(0, r, nil, &cfg)
	require.ErrorIs(t, err, ErrMalformedPseudoHeader)
}
