package h3upstream

import (
	"fmt"
	"net/http"
	"strings"
)

// hopByHopHeaders lists the headers that must never cross from one hop to
// the next, per RFC 9114 §4.2 and RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Te",
}

// stripHopByHop removes hop-by-hop headers from h in place, including any
// headers the Connection header itself names.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// rewriteWebSocketUpgrade adapts a backend's HTTP/1.1 101 Switching
// Protocols response to the HTTP/3 extended-CONNECT shape: a successful
// WebSocket tunnel over HTTP/3 is reported as 200, and the
// Sec-WebSocket-Accept negotiation header (meaningless without the 101
// status line that carried it) is dropped per RFC 9220.
func rewriteWebSocketUpgrade(status int, h http.Header) int {
	if status == http.StatusSwitchingProtocols {
		h.Del("Sec-WebSocket-Accept")
		return http.StatusOK
	}
	return status
}

// applyResponseHeaders injects the Server/Via identification headers and
// any statically configured extra response headers, honoring the
// NoServerRewrite/NoVia switches.
func applyResponseHeaders(h http.Header, cfg *HTTPConfig) {
	if !cfg.NoServerRewrite {
		h.Set("Server", cfg.ServerName)
	}
	if !cfg.NoVia {
		existing := h.Get("Via")
		via := "h3 " + cfg.ServerName
		if existing != "" {
			via = existing + ", " + via
		}
		h.Set("Via", via)
	}
	for k, v := range cfg.AddResponseHeaders {
		h.Set(k, v)
	}
}

// affinityCookieName is the cookie this endpoint sets to pin a client to
// the backend that served its first request on a connection, when the
// backend pool supports affinity.
const affinityCookieName = "__h3_affinity"

// setAffinityCookie appends a Set-Cookie header binding future requests
// on this authority to backendID.
func setAffinityCookie(h http.Header, backendID string) {
	h.Add("Set-Cookie", fmt.Sprintf("%s=%s; Path=/; HttpOnly; Secure; SameSite=Strict", affinityCookieName, backendID))
}

// affinityBackendID extracts the backend ID a request's affinity cookie
// names, if any.
func affinityBackendID(r *http.Request) string {
	c, err := r.Cookie(affinityCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// httpsRedirectLocation builds the Location header value for a 308
// redirect to the TLS-terminated equivalent of r, used whenever a backend
// reports it requires TLS. Neither this function nor its caller checks the
// request's scheme or method, so https and CONNECT requests are redirected
// as well.
func httpsRedirectLocation(r *http.Request, tlsPort string) string {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if tlsPort != "" && tlsPort != "443" {
		host = host + ":" + tlsPort
	}
	return "https://" + host + r.URL.RequestURI()
}
