package h3upstream

import "strings"

// cleanPath canonicalizes an HTTP/3 :path pseudo-header the way a
// reverse-proxy frontend must before handing it to a backend: it
// resolves "." and ".." segments and collapses repeated slashes, without
// ever escaping the root. It is idempotent — cleanPath(cleanPath(p)) ==
// cleanPath(p) — and is skipped entirely for "OPTIONS *" requests and
// when the endpoint is operating in HTTP/2-proxy mode, where :path is
// opaque to this layer.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	query := ""
	if i := strings.IndexByte(p, '?'); i >= 0 {
		query = p[i:]
		p = p[:i]
	}
	if p == "" || p[0] != '/' {
		p = "/" + p
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// drop: both an empty segment from a collapsed "//" and a
			// "." segment contribute nothing to the resolved path.
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	cleaned := "/" + strings.Join(out, "/")
	return cleaned + query
}
