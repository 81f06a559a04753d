package h3upstream

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrMalformedPseudoHeader, http.StatusBadRequest},
		{ErrHeaderFieldTooLarge, http.StatusRequestHeaderFieldsTooLarge},
		{ErrTooManyHeaderFields, http.StatusRequestHeaderFieldsTooLarge},
		{ErrQueueOverflow, http.StatusServiceUnavailable},
		{ErrNoBackend, http.StatusBadGateway},
		{ErrBackendUnavailable, http.StatusBadGateway},
		{ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{ErrHandshakeTimeout, http.StatusRequestTimeout},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), "statusFor(%v)", tc.err)
	}
}

func TestClassifyBackendIOErrorTimeoutAfterHeadersSent(t *testing.T) {
	kind, err := classifyBackendIOError(context.DeadlineExceeded, true)
	require.Equal(t, ErrorKindIO, kind)
	require.ErrorIs(t, err, ErrUpstreamTimeout)
	require.Equal(t, http.StatusGatewayTimeout, statusFor(err))
}

func TestClassifyBackendIOErrorTimeoutBeforeHeadersSent(t *testing.T) {
	kind, err := classifyBackendIOError(context.DeadlineExceeded, false)
	require.Equal(t, ErrorKindIO, kind)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.Equal(t, http.StatusRequestTimeout, statusFor(err))
}

func TestClassifyBackendIOErrorNonTimeout(t *testing.T) {
	cause := errors.New("connection reset")
	kind, err := classifyBackendIOError(cause, true)
	require.Equal(t, ErrorKindBackend, kind)
	require.ErrorIs(t, err, cause)
	require.Equal(t, http.StatusBadGateway, statusFor(&connError{Kind: kind, Err: err}))
}

func TestErrorSlotPrecedence(t *testing.T) {
	var s errorSlot
	first := errors.New("first failure")
	s.record(ErrorKindIO, first)
	require.ErrorIs(t, s.get().Err, first, "first error should be recorded as-is")

	second := errors.New("second failure")
	s.record(ErrorKindBackend, second)
	require.ErrorIs(t, s.get().Err, first, "a non-transport-param error must not overwrite the first recorded error")
}
