package h3upstream

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckHeaderBudgetTooManyFields(t *testing.T) {
	cfg := &Config{HTTP: HTTPConfig{MaxRequestHeaderFields: 2, RequestHeaderFieldBuffer: 1024}}
	h := make(http.Header)
	h.Set("X-One", "a")
	h.Set("X-Two", "b")
	h.Set("X-Three", "c")

	err := checkHeaderBudget(h, cfg)
	require.ErrorIs(t, err, ErrTooManyHeaderFields)
}

func TestCheckHeaderBudgetFieldTooLarge(t *testing.T) {
	cfg := &Config{HTTP: HTTPConfig{MaxRequestHeaderFields: 10, RequestHeaderFieldBuffer: 16}}
	h := make(http.Header)
	h.Set("X-Big", strings.Repeat("a", 64))

	err := checkHeaderBudget(h, cfg)
	require.ErrorIs(t, err, ErrHeaderFieldTooLarge)
}

func TestCheckHeaderBudgetWithinLimits(t *testing.T) {
	cfg := &Config{HTTP: HTTPConfig{MaxRequestHeaderFields: 10, RequestHeaderFieldBuffer: 1024}}
	h := make(http.Header)
	h.Set("X-Fine", "short value")

	require.NoError(t, checkHeaderBudget(h, cfg))
}
