// Package metrics exposes the relay's Prometheus counters/gauges for the
// operator API's /metrics endpoint — ambient observability, grounded on
// the DragonSecurity-drill teacher's prometheus/client_golang usage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters/gauges the relay updates as it dispatches
// requests and tracks agent liveness.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestsFailedTotal *prometheus.CounterVec
	AgentsConnected     prometheus.Gauge
	registry            *prometheus.Registry
}

// New constructs a Metrics bundle registered on a dedicated registry (not
// the global default, so multiple relay instances in one test binary
// don't collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_requests_total",
			Help: "Total number of requests dispatched to agents.",
		}, []string{"agent_id"}),
		RequestsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_requests_failed_total",
			Help: "Total number of dispatched requests that did not complete successfully.",
		}, []string{"agent_id", "reason"}),
		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_agents_connected",
			Help: "Number of currently connected agents.",
		}),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestsFailedTotal, m.AgentsConnected)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records the outcome of one dispatched request.
func (m *Metrics) ObserveDispatch(agentID string, err error) {
	m.RequestsTotal.WithLabelValues(agentID).Inc()
	if err != nil {
		m.RequestsFailedTotal.WithLabelValues(agentID, reasonFor(err)).Inc()
	}
}

func reasonFor(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
