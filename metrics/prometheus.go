// Package metrics provides a Prometheus-backed implementation of
// h3upstream.Metrics, registered against an operator-supplied registerer
// and exposed the usual way via promhttp.Handler.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/h3rp/h3upstream"
)

// Prometheus implements h3upstream.Metrics with a fixed set of counters,
// registered against reg (pass prometheus.DefaultRegisterer to use the
// global registry).
type Prometheus struct {
	connectionsOpened  prometheus.Counter
	connectionsClosed  *prometheus.CounterVec
	requestsStarted    prometheus.Counter
	requestsFinished   *prometheus.CounterVec
	backendRetries     prometheus.Counter
	queueRejections    prometheus.Counter
}

// New registers the upstream's counters against reg and returns a
// Metrics implementation backed by them.
func New(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "h3upstream_connections_opened_total",
			Help: "QUIC connections accepted by the upstream.",
		}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "h3upstream_connections_closed_total",
			Help: "QUIC connections closed by the upstream, by error kind.",
		}, []string{"kind"}),
		requestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "h3upstream_requests_started_total",
			Help: "HTTP/3 requests accepted onto a request stream.",
		}),
		requestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "h3upstream_requests_finished_total",
			Help: "HTTP/3 requests completed, by response status.",
		}, []string{"status"}),
		backendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "h3upstream_backend_retries_total",
			Help: "Requests retried against a new backend connection.",
		}),
		queueRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "h3upstream_queue_rejections_total",
			Help: "Requests rejected because the downstream queue was at capacity.",
		}),
	}
}

func (p *Prometheus) ConnectionOpened() { p.connectionsOpened.Inc() }

func (p *Prometheus) ConnectionClosed(kind h3upstream.ErrorKind) {
	p.connectionsClosed.WithLabelValues(kind.String()).Inc()
}

func (p *Prometheus) RequestStarted() { p.requestsStarted.Inc() }

func (p *Prometheus) RequestFinished(status int) {
	p.requestsFinished.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (p *Prometheus) BackendRetry() { p.backendRetries.Inc() }

func (p *Prometheus) QueueRejected() { p.queueRejections.Inc() }
