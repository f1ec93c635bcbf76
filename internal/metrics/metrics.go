// Package metrics exposes tracking statistics in the Prometheus format.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saviobatista/fleet-tracker/internal/stats"
)

// Metrics holds the Prometheus registry of the tracking console.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	connectionState prometheus.Gauge
	pathPoints      prometheus.Gauge
}

// New registers counters mirroring st plus the console gauges.
func New(st *stats.Stats) *Metrics {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, v *uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "fleet_tracker",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(atomic.LoadUint64(v)) })
	}

	errorSources := []string{"stream", "snapshot", "poll", "geocode"}
	for i, src := range errorSources {
		i := i
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "fleet_tracker",
			Name:        "errors_total",
			Help:        "Errors by source",
			ConstLabels: prometheus.Labels{"source": src},
		}, func() float64 { return float64(atomic.LoadUint64(&st.ErrorCounts[i])) }))
	}

	registry.MustRegister(
		counter("events_received_total", "Push events received", &st.EventsReceived),
		counter("samples_accepted_total", "Samples appended to a path", &st.SamplesAccepted),
		counter("ordering_violations_total", "Samples rejected for their sequence key", &st.OrderingViolations),
		counter("malformed_samples_total", "Samples rejected for their coordinates", &st.MalformedSamples),
		counter("unknown_events_total", "Push events that could not be decoded", &st.UnknownEvents),
		counter("sessions_started_total", "Driving sessions started", &st.SessionsStarted),
		counter("sessions_ended_total", "Driving sessions ended", &st.SessionsEnded),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fleet_tracker",
			Name:      "active_sessions",
			Help:      "Active driving sessions in view",
		}, func() float64 { return float64(atomic.LoadUint64(&st.ActiveSessions)) }),
	)

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet_tracker",
			Name:      "http_requests_total",
			Help:      "Total number of control API requests",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet_tracker",
			Name:      "http_errors_total",
			Help:      "Control API responses with status 4xx or 5xx",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet_tracker",
			Name:      "connection_state",
			Help:      "Push connection state (0 connecting, 1 open, 2 error, 3 closed)",
		}),
		pathPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet_tracker",
			Name:      "path_points",
			Help:      "Samples in the focused vehicle path",
		}),
	}
	registry.MustRegister(m.requestsTotal, m.errorsTotal, m.connectionState, m.pathPoints)
	return m
}

// IncRequests increments the request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// IncErrors increments the error response counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// SetConnectionState records the push connection state.
func (m *Metrics) SetConnectionState(state int) { m.connectionState.Set(float64(state)) }

// SetPathPoints records the focused path length.
func (m *Metrics) SetPathPoints(n int) { m.pathPoints.Set(float64(n)) }

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
