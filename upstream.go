package h3upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// ConnState is the lifecycle state of an UpstreamConnection.
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateEstablished
	StateClosing
	StateDraining
	StateCloseWait
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateDraining:
		return "draining"
	case StateCloseWait:
		return "close_wait"
	default:
		return "unknown"
	}
}

// ConnResult classifies the outcome of processing a packet/stream event
// against a connection. Retry and hashed-SCID steering happen in the
// Demux, upstream of this type; UpstreamConnection only reacts to the
// outcome once classified.
type ConnResult int

const (
	ConnResultOK ConnResult = iota
	ConnResultDraining
	ConnResultRetry
	ConnResultDropConn
)

// UpstreamConnection is the per-connection state machine: one instance
// exists for the lifetime of a single QUIC connection accepted by the
// Endpoint, and every RequestStream it serves is tracked here.
type UpstreamConnection struct {
	cfg     *Config
	qconn   quic.Connection
	demux   Demux
	backend Backend

	scid       []byte
	hashedSCID string
	tracingID  quic.ConnectionTracingID

	log zerolog.Logger

	state   atomic.Int32
	timers  *TimerSet
	queue   *DownstreamQueue
	arena   *streamArena
	errs    errorSlot
	errOnce sync.Once

	closeWaitSet chan struct{}
}

// NewUpstreamConnection builds the per-connection state for qconn. scid is
// the demultiplexer-assigned identifier this module uses for its own
// bookkeeping (qlog filenames, logging, close-wait registry keys); see
// DESIGN.md "connection identity" for why this is not the wire SCID.
func NewUpstreamConnection(cfg *Config, qconn quic.Connection, scid []byte, demux Demux, backend Backend) *UpstreamConnection {
	uc := &UpstreamConnection{
		cfg:          cfg,
		qconn:        qconn,
		demux:        demux,
		backend:      backend,
		scid:         append([]byte(nil), scid...),
		queue:        NewDownstreamQueue(connectionsPerFrontend(cfg), connectionsPerHost(cfg)),
		arena:        newStreamArena(),
		closeWaitSet: make(chan struct{}),
	}
	if id, ok := tracingID(qconn.Context()); ok {
		uc.tracingID = id
	}
	if cfg.QUIC.KeyMaterial != nil {
		uc.hashedSCID = cfg.QUIC.KeyMaterial.hashConnID(uc.tracingID)
	}
	uc.log = cfg.Log.With().
		Str("component", "upstream_connection").
		Uint64("tracing_id", uint64(uc.tracingID)).
		Logger()
	uc.state.Store(int32(StateHandshaking))
	uc.timers = NewTimerSet(cfg.QUIC.IdleTimeout, uc.onIdleTimeout)
	return uc
}

func connectionsPerFrontend(cfg *Config) int {
	if cfg.HTTP2Proxy {
		return 0
	}
	return cfg.ConnectionsPerFrontend
}

func connectionsPerHost(cfg *Config) int {
	if cfg.HTTP2Proxy {
		return cfg.ConnectionsPerHost
	}
	return 0
}

// State returns the connection's current lifecycle state.
func (uc *UpstreamConnection) State() ConnState {
	return ConnState(uc.state.Load())
}

func (uc *UpstreamConnection) setState(s ConnState) {
	uc.state.Store(int32(s))
}

// Init registers this connection with the Demux under both its assigned
// SCID and its hashed SCID.
func (uc *UpstreamConnection) Init() {
	if uc.demux != nil {
		uc.demux.Register(uc.scid, uc)
		uc.demux.RegisterHashed(uc.hashedSCID, uc)
	}
	if m := uc.cfg.Metrics; m != nil {
		m.ConnectionOpened()
	}
	uc.setState(StateEstablished)
	uc.log.Debug().Msg("connection initialized")
}

// OnPacketActivity rearms the idle timer. ServeHTTP calls it at the start
// of every request stream; quic-go's own packet traffic is not observed
// here.
func (uc *UpstreamConnection) OnPacketActivity() {
	uc.timers.Rearm(uc.cfg.QUIC.IdleTimeout)
}

func (uc *UpstreamConnection) onIdleTimeout() {
	uc.log.Info().Msg("idle timeout; closing connection")
	uc.handleError(ErrorKindTransport, context.DeadlineExceeded)
}

// ClassifyAcceptError maps an error returned by a quic-go accept or
// stream-read call to a ConnResult. Retry and hashed-SCID steering are
// handled upstream in the Demux; by the time an error reaches here it has
// already been classified as belonging to this connection.
func ClassifyAcceptError(err error) ConnResult {
	if err == nil {
		return ConnResultOK
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return ConnResultDraining
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return ConnResultDropConn
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		if transportErr.ErrorCode == quic.TransportParameterError {
			return ConnResultDropConn
		}
		return ConnResultDraining
	}
	return ConnResultDropConn
}

// handleError records err under kind in this connection's error slot and,
// if this is the first fatal error observed, begins teardown. Subsequent
// calls are no-ops unless a later error is a transport-parameter error,
// which always takes precedence.
func (uc *UpstreamConnection) handleError(kind ErrorKind, err error) {
	uc.errs.record(kind, err)
	uc.errOnce.Do(func() {
		uc.teardown(kind, err)
	})
}

func (uc *UpstreamConnection) teardown(kind ErrorKind, err error) {
	uc.log.Warn().Err(err).Str("kind", kind.String()).Msg("tearing down connection")
	code := quic.ApplicationErrorCode(applicationErrorCode(kind))
	_ = uc.qconn.CloseWithError(code, err.Error())
	uc.enterCloseWait()
	uc.timers.Stop()
	if uc.demux != nil {
		uc.demux.Unregister(uc.scid, uc.hashedSCID)
	}
	if m := uc.cfg.Metrics; m != nil {
		m.ConnectionClosed(kind)
	}
	uc.setState(StateDraining)
}

// HTTP/3 error codes from RFC 9114 §8.1, used both as CONNECTION_CLOSE
// application codes (connection-scoped) and as RESET_STREAM/STOP_SENDING
// codes (stream-scoped, see abortStream in retry.go).
const (
	h3NoError              = 0x100
	h3GeneralProtocolError = 0x101
	h3InternalError        = 0x102
	h3RequestRejected      = 0x10B
)

// applicationErrorCode maps an ErrorKind to the HTTP/3-level error code
// sent in the CONNECTION_CLOSE frame, per RFC 9114 §8.1.
func applicationErrorCode(kind ErrorKind) uint64 {
	switch kind {
	case ErrorKindApplication:
		return h3GeneralProtocolError
	case ErrorKindStream, ErrorKindPolicy:
		return h3RequestRejected
	default:
		return h3NoError
	}
}

// enterCloseWait records a close-wait sentinel for this connection's SCIDs
// for 3xPTO, so that the Demux can keep replying to the drain period's
// stray packets after this UpstreamConnection would otherwise be garbage.
// This is a policy-and-bookkeeping layer on top of quic-go, not a
// replacement for it: the actual retransmission of the CLOSE packet during
// the QUIC drain period is quic-go's job, internal to quic.Connection.
func (uc *UpstreamConnection) enterCloseWait() {
	select {
	case <-uc.closeWaitSet:
		return // already entered
	default:
		close(uc.closeWaitSet)
	}
	if uc.demux == nil {
		return
	}
	pto := estimatePTO(uc.cfg.QUIC.InitialRTT)
	uc.demux.EnterCloseWait([][]byte{uc.scid}, nil, 3*pto)
	uc.setState(StateCloseWait)
}

// BeginGracefulShutdown flips this connection into the soft-closing state:
// from this point on ServeHTTP rejects new streams at the stream level with
// H3_REQUEST_REJECTED instead of dispatching them, while streams already
// in flight run to completion undisturbed. It does not by itself submit a
// GOAWAY or touch the wire; Endpoint.Shutdown does that once, for the whole
// *http3.Server, after every tracked connection has reached this state (see
// DESIGN.md "graceful shutdown").
func (uc *UpstreamConnection) BeginGracefulShutdown() {
	if uc.State() != StateEstablished {
		return
	}
	uc.setState(StateClosing)
	uc.log.Info().Msg("graceful shutdown started")
}

// ShuttingDown reports whether new streams should be refused; ServeHTTP
// polls this before accepting more work on a connection.
func (uc *UpstreamConnection) ShuttingDown() bool {
	s := uc.State()
	return s == StateClosing || s == StateDraining || s == StateCloseWait
}

// HandleRetryDuringShutdown reports whether a backend attempt for rs must
// be abandoned because this connection is already shutting down. If so, it
// records ErrBackendUnavailable on rs, so the attempt is not treated as a
// fresh, retryable failure on a connection that is going away regardless.
func (uc *UpstreamConnection) HandleRetryDuringShutdown(rs *RequestStream) bool {
	if !uc.ShuttingDown() {
		return false
	}
	rs.recordError(ErrorKindBackend, ErrBackendUnavailable)
	return true
}

// Arena exposes the stream arena so ServeHTTP and the backend callbacks
// can register and look up in-flight RequestStreams.
func (uc *UpstreamConnection) Arena() *streamArena { return uc.arena }

// Queue exposes the downstream admission queue.
func (uc *UpstreamConnection) Queue() *DownstreamQueue { return uc.queue }

// Config exposes the connection's configuration handle.
func (uc *UpstreamConnection) Config() *Config { return uc.cfg }

// Backend exposes the connection's backend collaborator.
func (uc *UpstreamConnection) Backend() Backend { return uc.backend }

// Log exposes the connection-scoped logger.
func (uc *UpstreamConnection) Log() *zerolog.Logger { return &uc.log }

// Err returns the connection-level error slot's contents, if any error has
// been recorded yet.
func (uc *UpstreamConnection) Err() *connError { return uc.errs.get() }

// waitDrained blocks until ctx is done or the connection's context is
// done, used by tests that need to observe teardown complete.
func (uc *UpstreamConnection) waitDrained(ctx context.Context) error {
	select {
	case <-uc.qconn.Context().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("h3upstream: timed out waiting for connection to drain")
	}
}
