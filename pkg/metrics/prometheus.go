package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meftunca/lifeguard/pkg/types"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// the failure detector. It implements the detector's Observer interface.
type PrometheusMetrics struct {
	// Probe metrics
	probesTotal    *prometheus.CounterVec
	probeRTT       prometheus.Histogram
	healthScore    prometheus.Gauge
	membersByState *prometheus.GaugeVec

	// Dissemination metrics
	reachabilityEvents *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "lifeguard"
	}

	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	m.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swim",
			Name:      "probes_total",
			Help:      "Direct probe outcomes by result (ack, timeout, missed_nack)",
		},
		[]string{"result"},
	)

	m.probeRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swim",
			Name:      "probe_rtt_seconds",
			Help:      "Round-trip time of acked direct probes",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	m.healthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swim",
			Name:      "local_health_multiplier",
			Help:      "Current lifeguard local health multiplier",
		},
	)

	m.membersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swim",
			Name:      "members",
			Help:      "Known members by state",
		},
		[]string{"state"},
	)

	m.reachabilityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swim",
			Name:      "reachability_events_total",
			Help:      "Reachability change events emitted to the cluster layer",
		},
		[]string{"reachability"},
	)

	m.registry.MustRegister(
		m.probesTotal,
		m.probeRTT,
		m.healthScore,
		m.membersByState,
		m.reachabilityEvents,
	)

	return m
}

// ObserveProbe records a direct probe outcome.
func (m *PrometheusMetrics) ObserveProbe(result string, rtt time.Duration) {
	m.probesTotal.WithLabelValues(result).Inc()
	if result == "ack" {
		m.probeRTT.Observe(rtt.Seconds())
	}
}

// SetHealth records the local health multiplier.
func (m *PrometheusMetrics) SetHealth(score int) {
	m.healthScore.Set(float64(score))
}

// SetMemberCount records the member count for a state.
func (m *PrometheusMetrics) SetMemberCount(state string, count int) {
	m.membersByState.WithLabelValues(state).Set(float64(count))
}

// ReachabilityChanged counts an emitted reachability event.
func (m *PrometheusMetrics) ReachabilityChanged(r types.Reachability) {
	m.reachabilityEvents.WithLabelValues(r.String()).Inc()
}

// Handler returns the HTTP handler serving the registry.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}
