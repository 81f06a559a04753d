package h3upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/logging"
	"github.com/quic-go/quic-go/qlog"

	"github.com/h3rp/h3upstream/closewait"
)

// Endpoint owns one UDP socket, one http3.Server built on top of it, and
// the self-contained Demux that maps connection IDs to UpstreamConnections
// when no external demultiplexer is supplied, providing the listener and
// demultiplexer roles for a single-process deployment.
type Endpoint struct {
	cfg     *Config
	backend Backend
	tls     *tls.Config

	server *http3.Server

	mu        sync.Mutex
	byID      map[string]*UpstreamConnection
	byHash    map[string]*UpstreamConnection
	closeWait *closewait.Registry
}

// NewEndpoint builds an Endpoint ready to Serve. tlsConfig must negotiate
// "h3" via NextProtos; http3.ConfigureTLSConfig performs that wiring for
// callers that forget.
func NewEndpoint(cfg *Config, tlsConfig *tls.Config, backend Backend) *Endpoint {
	ep := &Endpoint{
		cfg:       cfg,
		backend:   backend,
		tls:       http3.ConfigureTLSConfig(tlsConfig),
		byID:      make(map[string]*UpstreamConnection),
		byHash:    make(map[string]*UpstreamConnection),
		closeWait: closewait.New(),
	}
	ep.server = &http3.Server{
		TLSConfig:       ep.tls,
		Handler:         http.HandlerFunc(ep.serveHTTP),
		QUICConfig:      ep.buildQUICConfig(),
		EnableDatagrams: cfg.HTTP3.EnableConnectProtocol,
		ConnContext:     ep.connContext,
	}
	return ep
}

// buildQUICConfig translates Config.QUIC into a *quic.Config. BBR/Reno
// selection has no effect on quic-go's OSS congestion control (see
// DESIGN.md, "congestion controller selection") but is still recorded via
// logging so the mismatch is visible, not silent.
func (ep *Endpoint) buildQUICConfig() *quic.Config {
	qc := &quic.Config{
		HandshakeIdleTimeout: ep.cfg.QUIC.IdleTimeout,
		MaxIdleTimeout:       ep.cfg.QUIC.IdleTimeout,
		Allow0RTT:            ep.cfg.QUIC.EarlyData,
		EnableDatagrams:      ep.cfg.HTTP3.EnableConnectProtocol,
		Versions:             []quic.Version{quic.Version1, quic.Version2},
	}
	if ep.cfg.HTTP3.MaxConcurrentStreams > 0 {
		qc.MaxIncomingStreams = ep.cfg.HTTP3.MaxConcurrentStreams
	}
	if ep.cfg.HTTP3.MaxStreamWindow > 0 {
		qc.MaxStreamReceiveWindow = ep.cfg.HTTP3.MaxStreamWindow
	}
	if ep.cfg.HTTP3.MaxConnectionWindow > 0 {
		qc.MaxConnectionReceiveWindow = ep.cfg.HTTP3.MaxConnectionWindow
	}
	if ep.cfg.QUIC.CongestionController != CongestionCubic && ep.cfg.QUIC.CongestionController != "" {
		ep.cfg.Log.Debug().Str("congestion_controller", string(ep.cfg.QUIC.CongestionController)).
			Msg("congestion controller requested but not supported by the linked quic-go build; using library default")
	}
	if ep.cfg.QUIC.QlogDir != "" {
		qc.Tracer = ep.qlogTracer
	}
	return qc
}

func (ep *Endpoint) qlogTracer(_ context.Context, perspective logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
	name := fmt.Sprintf("%s-%s.sqlog", time.Now().UTC().Format("20060102T150405Z"), connID.String())
	path := filepath.Join(ep.cfg.QUIC.QlogDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		ep.cfg.Log.Warn().Err(err).Str("path", path).Msg("failed to open qlog file")
		return nil
	}
	return qlog.NewConnectionTracer(f, perspective, connID)
}

// connContext is where this module's connection initialization hooks
// into http3.Server: quic-go has already completed the QUIC handshake by
// the time this is called, so there is no separate accept-outcome to
// classify here; that classification happens implicitly in quic-go's
// Accept loop, external to this module.
func (ep *Endpoint) connContext(ctx context.Context, c quic.Connection) context.Context {
	id, _ := tracingID(ctx)
	scid := connTracingIDBytes(id)
	uc := NewUpstreamConnection(ep.cfg, c, scid, ep, ep.backend)
	uc.Init()
	ep.trackLocally(scid, uc.hashedSCID, uc)
	return ctxWithConn(ctx, uc)
}

func connTracingIDBytes(id quic.ConnectionTracingID) []byte {
	return []byte(fmt.Sprintf("%d", id))
}

func (ep *Endpoint) trackLocally(scid []byte, hashed string, uc *UpstreamConnection) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.byID[string(scid)] = uc
	if hashed != "" {
		ep.byHash[hashed] = uc
	}
}

// Register implements Demux for the self-contained default.
func (ep *Endpoint) Register(scid []byte, conn *UpstreamConnection) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.byID[string(scid)] = conn
}

// RegisterHashed implements Demux. An empty hash means the connection has
// no key material configured to derive one (see DefaultConfig); such
// connections are tracked only by scid, the same guard trackLocally
// applies, since every unhashed connection would otherwise collide on
// byHash[""].
func (ep *Endpoint) RegisterHashed(hash string, conn *UpstreamConnection) {
	if hash == "" {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.byHash[hash] = conn
}

// Unregister implements Demux, removing conn from both the scid and
// hashed-scid indices it was registered under.
func (ep *Endpoint) Unregister(scid []byte, hashedSCID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.byID, string(scid))
	if hashedSCID != "" {
		delete(ep.byHash, hashedSCID)
	}
}

// EnterCloseWait implements Demux: it is this module's policy decision
// about how long stray packets for scids should still be recognized.
// quic-go's quic.Connection keeps answering packets on a closing
// connection for its own drain period internally; this map is this
// package's bookkeeping on top of that, not a replacement for it.
func (ep *Endpoint) EnterCloseWait(scids [][]byte, packet []byte, ttl time.Duration) {
	ep.closeWait.Enter(scids, packet, ttl)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, scid := range scids {
		delete(ep.byID, string(scid))
	}
}

// InCloseWait reports whether scid is currently reserved by the
// close-wait registry, for callers deciding whether a stray packet for
// an already-closed connection should still be recognized.
func (ep *Endpoint) InCloseWait(scid []byte) bool {
	_, ok := ep.closeWait.Lookup(scid)
	return ok
}

func (ep *Endpoint) serveHTTP(w http.ResponseWriter, r *http.Request) {
	uc, ok := connFromCtx(r.Context())
	if !ok {
		http.Error(w, "internal error: no connection state", http.StatusInternalServerError)
		return
	}
	uc.ServeHTTP(w, r)
}

// Serve accepts QUIC connections on pc and runs the HTTP/3 server loop
// until ctx is done or a fatal error occurs.
func (ep *Endpoint) Serve(ctx context.Context, pc net.PacketConn) error {
	errc := make(chan error, 1)
	go func() { errc <- ep.server.Serve(pc) }()
	select {
	case <-ctx.Done():
		_ = ep.server.Close()
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// ListenAndServe is the common case: bind Addr over UDP and serve.
func (ep *Endpoint) ListenAndServe(ctx context.Context, addr string) error {
	ep.server.Addr = addr
	errc := make(chan error, 1)
	go func() { errc <- ep.server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		_ = ep.server.Close()
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// Shutdown drains every tracked connection: each is flipped into the
// soft-closing state first, so ServeHTTP starts rejecting new streams with
// H3_REQUEST_REJECTED immediately, then a single GOAWAY is submitted for
// the whole server via http3.Server.Shutdown, which waits for
// already-open requests to finish or for the grace period to elapse,
// whichever comes first. If http3.Server.Shutdown returns an error, every
// tracked connection is torn down outright rather than left in limbo.
func (ep *Endpoint) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	conns := make([]*UpstreamConnection, 0, len(ep.byID))
	for _, uc := range ep.byID {
		conns = append(conns, uc)
	}
	ep.mu.Unlock()

	for _, uc := range conns {
		uc.BeginGracefulShutdown()
	}

	grace := gracePeriod(ctx, ep.cfg.QUIC.InitialRTT)
	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := ep.server.Shutdown(graceCtx); err != nil {
		ep.cfg.Log.Warn().Err(err).Msg("GOAWAY submission failed; destroying remaining connections")
		for _, uc := range conns {
			uc.handleError(ErrorKindTransport, fmt.Errorf("h3upstream: graceful shutdown failed: %w", err))
		}
		return err
	}
	return nil
}

// gracePeriod derives the timeout http3.Server.Shutdown is given from ctx's
// deadline, defaulting to 3x the PTO estimated from initialRTT if ctx
// carries none, to match the window the rest of this module's close-wait
// bookkeeping uses.
func gracePeriod(ctx context.Context, initialRTT time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return 0
	}
	return 3 * estimatePTO(initialRTT)
}

type connCtxKey struct{}

func ctxWithConn(ctx context.Context, uc *UpstreamConnection) context.Context {
	return context.WithValue(ctx, connCtxKey{}, uc)
}

func connFromCtx(ctx context.Context) (*UpstreamConnection, bool) {
	uc, ok := ctx.Value(connCtxKey{}).(*UpstreamConnection)
	return uc, ok
}
