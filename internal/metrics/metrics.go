// Package metrics implements the optional observability hook named in
// spec §4.8 ("Metrics"): a Collector receives counters for registry and
// request-lifecycle events and, in the Prometheus implementation,
// exposes them on /metrics.
//
// Grounded on the rest of the retrieved example pack, since the teacher
// itself carries no metrics library: github.com/prometheus/client_golang
// is adopted as the ecosystem-standard choice.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Collector receives counters for the lifecycle events described in
// spec §4.2, §4.3, §4.5, and §4.8.
type Collector interface {
	TunnelRegistered(tunnelID, kind string)
	TunnelRemoved(tunnelID, kind string)

	RequestCompleted(tunnelID string, statusCode int)
	RequestTimedOut(tunnelID string)
	RequestDisconnected(tunnelID string)

	SubStreamOpened(tunnelID string)
	SubStreamClosed(tunnelID string)
}

// Noop is the default Collector: every call is a no-op.
type Noop struct{}

func (Noop) TunnelRegistered(string, string)       {}
func (Noop) TunnelRemoved(string, string)           {}
func (Noop) RequestCompleted(string, int)           {}
func (Noop) RequestTimedOut(string)                 {}
func (Noop) RequestDisconnected(string)             {}
func (Noop) SubStreamOpened(string)                 {}
func (Noop) SubStreamClosed(string)                 {}

// Prometheus is a Collector backed by github.com/prometheus/client_golang.
// Use Handler to serve /metrics.
type Prometheus struct {
	registry *prometheus.Registry

	tunnelsRegistered *prometheus.CounterVec
	tunnelsRemoved    *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestsTimedOut  *prometheus.CounterVec
	requestsDropped   *prometheus.CounterVec
	subStreamsOpened  *prometheus.CounterVec
	subStreamsClosed  *prometheus.CounterVec
}

// NewPrometheus builds a Prometheus collector with its own registry, so
// it can be mounted independently of the process-wide default registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		tunnelsRegistered: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_tunnels_registered_total",
			Help: "Total tunnels registered, by kind.",
		}, []string{"kind"}),
		tunnelsRemoved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_tunnels_removed_total",
			Help: "Total tunnels removed, by kind.",
		}, []string{"kind"}),
		requestsCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_requests_completed_total",
			Help: "Total HTTP requests forwarded to a tunnel that received a response, by status code.",
		}, []string{"tunnel", "status"}),
		requestsTimedOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_requests_timed_out_total",
			Help: "Total HTTP requests that hit the per-request deadline.",
		}, []string{"tunnel"}),
		requestsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_requests_disconnected_total",
			Help: "Total HTTP requests dropped because the tunnel disconnected.",
		}, []string{"tunnel"}),
		subStreamsOpened: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_tcp_substreams_opened_total",
			Help: "Total TCP sub-streams opened.",
		}, []string{"tunnel"}),
		subStreamsClosed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_tcp_substreams_closed_total",
			Help: "Total TCP sub-streams closed.",
		}, []string{"tunnel"}),
	}
	return p
}

// Handler serves the Prometheus exposition format for this collector's
// registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) TunnelRegistered(_, kind string) { p.tunnelsRegistered.WithLabelValues(kind).Inc() }
func (p *Prometheus) TunnelRemoved(_, kind string)     { p.tunnelsRemoved.WithLabelValues(kind).Inc() }

func (p *Prometheus) RequestCompleted(tunnelID string, statusCode int) {
	p.requestsCompleted.WithLabelValues(tunnelID, strconv.Itoa(statusCode)).Inc()
}
func (p *Prometheus) RequestTimedOut(tunnelID string) { p.requestsTimedOut.WithLabelValues(tunnelID).Inc() }
func (p *Prometheus) RequestDisconnected(tunnelID string) {
	p.requestsDropped.WithLabelValues(tunnelID).Inc()
}
func (p *Prometheus) SubStreamOpened(tunnelID string) { p.subStreamsOpened.WithLabelValues(tunnelID).Inc() }
func (p *Prometheus) SubStreamClosed(tunnelID string) { p.subStreamsClosed.WithLabelValues(tunnelID).Inc() }
