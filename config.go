package h3upstream

import (
	"time"

	"github.com/rs/zerolog"
)

// CongestionController selects the congestion control algorithm requested
// for a connection. quic-go's OSS build only ships a Cubic-family
// controller; BBR and Reno are accepted and recorded so Config round-trips
// the operator's intent, but at connection setup they fall back to the
// library default. See DESIGN.md, "congestion controller selection".
type CongestionController string

const (
	CongestionBBR   CongestionController = "bbr"
	CongestionCubic CongestionController = "cubic"
	CongestionReno  CongestionController = "reno"
)

// QUICConfig carries the per-endpoint QUIC transport configuration surface.
type QUICConfig struct {
	// IdleTimeout is this endpoint's half of the idle-timeout negotiation;
	// the effective idle timeout is the minimum of both peers' values.
	IdleTimeout time.Duration
	// InitialRTT seeds the congestion controller's RTT estimate, and is
	// also used as the PTO proxy for the 3xPTO close-wait window and the
	// default graceful-shutdown grace period (see DESIGN.md, "PTO
	// estimation").
	InitialRTT time.Duration
	// CongestionController selects BBR, Cubic or Reno (see above).
	CongestionController CongestionController
	// MaxUDPPayloadSize records the configured UDP payload ceiling. It is
	// not passed to quic-go, which sizes datagrams itself, and nothing
	// lowers it at run time.
	MaxUDPPayloadSize int
	// MaxPacketBatch records the per-pass packet batch limit. Packet
	// pacing happens inside quic-go, and this value is not passed to it.
	MaxPacketBatch int
	// NonBBRBurstCap records the batch cap for non-BBR congestion control
	// (10 by default). Like MaxPacketBatch, it is not passed to quic-go.
	NonBBRBurstCap int
	// QlogDir, if non-empty, enables a JSON-SEQ qlog trace per connection
	// at <QlogDir>/<ISO8601>-<hex connection ID>.sqlog.
	QlogDir string
	// DebugLog enables verbose per-connection logging.
	DebugLog bool
	// EarlyData enables accepting 0-RTT connection attempts.
	EarlyData bool
	// KeyMaterial, if set, derives the hashed connection identifier under
	// which a connection is registered with the Demux (RegisterHashed).
	// Address-validation tokens are left to quic-go.
	KeyMaterial *KeyMaterial
}

// HTTP3Config carries the http3.upstream.* configuration surface.
type HTTP3Config struct {
	MaxConcurrentStreams   int64
	MaxConnectionWindow    uint64
	MaxStreamWindow        uint64
	ConnectionWindow       uint64
	StreamWindow           uint64
	QPACKMaxTableCapacity  uint64
	EnableConnectProtocol  bool
}

// HTTPConfig carries the http.* configuration surface.
type HTTPConfig struct {
	ServerName             string
	NoVia                  bool
	NoLocationRewrite      bool
	NoServerRewrite        bool
	AddResponseHeaders     map[string]string
	RedirectHTTPSPort      string
	RequestHeaderFieldBuffer int
	MaxRequestHeaderFields   int
}

// Config is the immutable configuration handle passed into the upstream
// constructor, in preference to a global configuration singleton.
type Config struct {
	QUIC  QUICConfig
	HTTP3 HTTP3Config
	HTTP  HTTPConfig

	// ConnectionsPerHost bounds active requests per authority when this
	// endpoint operates as an HTTP/2-style proxy (HTTP2Proxy true).
	ConnectionsPerHost int
	// ConnectionsPerFrontend bounds active requests per connection when
	// not operating in HTTP/2-proxy mode.
	ConnectionsPerFrontend int
	// HTTP2Proxy switches admission and path-handling to per-authority,
	// HTTP/2-style semantics.
	HTTP2Proxy bool
	// AltMode suppresses the missing-:authority protocol error that
	// HTTP2Proxy mode otherwise enforces for non-CONNECT requests, for
	// frontends that admit requests without a usable authority by design.
	AltMode bool

	Log     zerolog.Logger
	Metrics Metrics
}

func DefaultConfig() Config {
	return Config{
		QUIC: QUICConfig{
			IdleTimeout:           30 * time.Second,
			InitialRTT:            100 * time.Millisecond,
			CongestionController:  CongestionBBR,
			MaxUDPPayloadSize:     1452,
			MaxPacketBatch:        64 * 1024 / 1452,
			NonBBRBurstCap:        10,
		},
		HTTP3: HTTP3Config{
			MaxConcurrentStreams:  100,
			QPACKMaxTableCapacity: 4096,
			EnableConnectProtocol: true,
		},
		HTTP: HTTPConfig{
			ServerName:               "h3upstream",
			RequestHeaderFieldBuffer: 64 * 1024,
			MaxRequestHeaderFields:   100,
			RedirectHTTPSPort:        "443",
		},
		ConnectionsPerHost:     8,
		ConnectionsPerFrontend: 100,
		Log:                    zerolog.Nop(),
		Metrics:                NopMetrics{},
	}
}
