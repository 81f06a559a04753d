package h3upstream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
)

// ErrorKind classifies the origin of a failure recorded against a
// connection or stream, mirroring the handler_->last_error_ tagging in the
// upstream this package generalizes from.
type ErrorKind int

const (
	// ErrorKindNone means no error has been recorded yet.
	ErrorKindNone ErrorKind = iota
	// ErrorKindTransport is a QUIC transport-level failure: the
	// connection is unusable and must close.
	ErrorKindTransport
	// ErrorKindApplication is an HTTP/3-level failure reported via a
	// stream or connection error code.
	ErrorKindApplication
	// ErrorKindStream is confined to a single request stream; the
	// connection otherwise remains usable.
	ErrorKindStream
	// ErrorKindIO covers backend timeouts (see classifyBackendIOError) and
	// I/O failures on the client's side of a stream.
	ErrorKindIO
	// ErrorKindPolicy covers admission and validation rejections: header
	// limits, malformed pseudo-headers, queue overflow.
	ErrorKindPolicy
	// ErrorKindBackend covers every other backend failure: no backend
	// available, a failed dial or push, a backend reset.
	ErrorKindBackend
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransport:
		return "transport"
	case ErrorKindApplication:
		return "application"
	case ErrorKindStream:
		return "stream"
	case ErrorKindIO:
		return "io"
	case ErrorKindPolicy:
		return "policy"
	case ErrorKindBackend:
		return "backend"
	default:
		return "none"
	}
}

// connError pairs a kind with the underlying cause. It is the Go analogue
// of the {Kind, Code} error slot attached to a connection: the first
// recorded error wins unless a later one is a transport-parameter error,
// which always takes precedence (see handleError).
type connError struct {
	Kind ErrorKind
	Err  error
}

func (e *connError) Error() string {
	if e == nil || e.Err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *connError) Unwrap() error { return e.Err }

// errorSlot holds at most one connError for a connection, enforcing the
// "first error wins, except transport-parameter errors always win" rule
// from the original upstream's handle_error.
type errorSlot struct {
	mu      sync.Mutex
	current *connError
}

// record stores err under kind, unless a non-transport-param error is
// already recorded and the new error is not a transport-parameter error.
func (s *errorSlot) record(kind ErrorKind, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := &connError{Kind: kind, Err: err}
	if s.current == nil {
		s.current = next
		return
	}
	if isTransportParamError(err) {
		s.current = next
	}
}

func (s *errorSlot) get() *connError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func isTransportParamError(err error) bool {
	var te *quic.TransportError
	if errors.As(err, &te) {
		return te.ErrorCode == quic.TransportParameterError
	}
	return false
}

// Sentinel errors surfaced by the request-admission and header-validation
// paths; statusFor maps each to the HTTP status sent back on the stream
// when a response can still be written.
var (
	ErrMalformedPseudoHeader = errors.New("h3upstream: malformed or missing pseudo-header")
	ErrHeaderFieldTooLarge   = errors.New("h3upstream: request header field exceeds configured buffer")
	ErrTooManyHeaderFields   = errors.New("h3upstream: request exceeds configured header field count")
	ErrQueueOverflow         = errors.New("h3upstream: downstream queue at capacity")
	ErrNoBackend             = errors.New("h3upstream: no backend available for authority")
	ErrBackendUnavailable    = errors.New("h3upstream: backend connection unavailable")
	ErrUpstreamTimeout       = errors.New("h3upstream: backend accepted the request but did not deliver a response before deadline")
	ErrHandshakeTimeout      = errors.New("h3upstream: backend connection did not accept the request before deadline")
	ErrUnknownMethod         = errors.New("h3upstream: unrecognized request method")
)

// statusFor maps an error recorded against a request to the HTTP status
// code written in its place.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformedPseudoHeader):
		return http.StatusBadRequest
	case errors.Is(err, ErrHeaderFieldTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrTooManyHeaderFields):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrQueueOverflow):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNoBackend), errors.Is(err, ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrHandshakeTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrUnknownMethod):
		return http.StatusNotImplemented
	default:
		var kind *connError
		if errors.As(err, &kind) {
			switch kind.Kind {
			case ErrorKindBackend, ErrorKindIO:
				return http.StatusBadGateway
			case ErrorKindPolicy:
				return http.StatusBadRequest
			}
		}
		return http.StatusInternalServerError
	}
}
