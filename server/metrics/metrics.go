// Package metrics holds the prometheus collectors for the sos engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartsos"

type Metrics struct {
	registry *prometheus.Registry

	AlertsTriggered     prometheus.Counter
	TriggerConflicts    prometheus.Counter
	Escalations         *prometheus.CounterVec
	Cancellations       *prometheus.CounterVec
	PeerNotifications   *prometheus.CounterVec
	AuthorityNotices    *prometheus.CounterVec
	ArmedEscalations    prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry so tests and
// multiple servers in one process do not collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AlertsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "SOS alerts created.",
		}),
		TriggerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_conflicts_total",
			Help:      "Triggers rejected because the user already had an active alert.",
		}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation callbacks by outcome (applied, noop).",
		}, []string{"outcome"}),
		Cancellations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Cancel and resolve requests by outcome.",
		}, []string{"outcome"}),
		PeerNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_notifications_total",
			Help:      "Peer notification attempts by result.",
		}, []string{"result"}),
		AuthorityNotices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authority_notifications_total",
			Help:      "Authority notification attempts by result.",
		}, []string{"result"}),
		ArmedEscalations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalations_armed",
			Help:      "Escalation timers currently armed.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Result maps an error to the "ok"/"error" label used by the notification counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
