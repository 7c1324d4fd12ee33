// Package metrics provides Prometheus instrumentation for the flipgate
// server: flag evaluations, evaluation cache behaviour, circuit breaker
// state, version routing, and remote config polling.
//
// All collectors are registered in a custom [prometheus.Registry] (not the
// global default) so that only flipgate metrics appear on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flipgate server. It is
// the usage/performance/error counter sink consulted by the flag manager and
// the version router.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	EvaluationErrors   *prometheus.CounterVec

	EvalCacheHits          prometheus.Counter
	EvalCacheMisses        prometheus.Counter
	EvalCacheInvalidations prometheus.Counter

	BreakerOpen  *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	RouterRequestsTotal   *prometheus.CounterVec
	RouterRequestDuration *prometheus.HistogramVec

	RemoteConfigPolls   *prometheus.CounterVec
	RemoteConfigUpdates prometheus.Counter

	AuthFailuresTotal prometheus.Counter
	ActiveStreams     prometheus.Gauge
}

// New creates and registers all flipgate collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flipgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipgate_flag_evaluations_total",
			Help: "Total number of flag evaluations by flag and result.",
		}, []string{"flag", "result"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flipgate_flag_evaluation_duration_seconds",
			Help:    "Flag evaluation latency in seconds.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}, []string{"flag"}),

		EvaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipgate_flag_evaluation_errors_total",
			Help: "Total number of unexpected errors during flag evaluation.",
		}, []string{"flag"}),

		EvalCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipgate_eval_cache_hits_total",
			Help: "Total number of evaluation cache hits.",
		}),

		EvalCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipgate_eval_cache_misses_total",
			Help: "Total number of evaluation cache misses.",
		}),

		EvalCacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipgate_eval_cache_invalidations_total",
			Help: "Total number of full evaluation cache invalidations.",
		}),

		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flipgate_breaker_open",
			Help: "Whether the circuit breaker is open for a flag (1 open, 0 closed).",
		}, []string{"flag"}),

		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipgate_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions by flag.",
		}, []string{"flag"}),

		RouterRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipgate_router_requests_total",
			Help: "Total number of version-routed requests.",
		}, []string{"version", "status"}),

		RouterRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flipgate_router_request_duration_seconds",
			Help:    "Version routing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"version"}),

		RemoteConfigPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipgate_remote_config_polls_total",
			Help: "Total number of remote config polls by outcome.",
		}, []string{"outcome"}),

		RemoteConfigUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipgate_remote_config_updates_total",
			Help: "Total number of flag snapshots applied from remote config.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flipgate_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flipgate_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.EvaluationErrors,
		m.EvalCacheHits,
		m.EvalCacheMisses,
		m.EvalCacheInvalidations,
		m.BreakerOpen,
		m.BreakerTrips,
		m.RouterRequestsTotal,
		m.RouterRequestDuration,
		m.RemoteConfigPolls,
		m.RemoteConfigUpdates,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one flag evaluation outcome and its latency.
func (m *Metrics) RecordEvaluation(flag string, enabled bool, elapsed time.Duration) {
	m.EvaluationsTotal.WithLabelValues(flag, strconv.FormatBool(enabled)).Inc()
	m.EvaluationDuration.WithLabelValues(flag).Observe(elapsed.Seconds())
}

// RecordEvaluationError records an unexpected evaluation failure.
func (m *Metrics) RecordEvaluationError(flag string) {
	m.EvaluationErrors.WithLabelValues(flag).Inc()
}

// BreakerOpened marks a flag's circuit as open and counts the trip.
func (m *Metrics) BreakerOpened(flag string) {
	m.BreakerOpen.WithLabelValues(flag).Set(1)
	m.BreakerTrips.WithLabelValues(flag).Inc()
}

// BreakerClosed marks a flag's circuit as closed.
func (m *Metrics) BreakerClosed(flag string) {
	m.BreakerOpen.WithLabelValues(flag).Set(0)
}

// RecordRouterRequest records a routed request's version, status, and latency.
func (m *Metrics) RecordRouterRequest(version string, status int, elapsed time.Duration) {
	m.RouterRequestsTotal.WithLabelValues(version, strconv.Itoa(status)).Inc()
	m.RouterRequestDuration.WithLabelValues(version).Observe(elapsed.Seconds())
}

// RecordRemotePoll records a remote config poll outcome
// ("applied", "unchanged", or "error"). Applied polls also count as snapshot
// updates.
func (m *Metrics) RecordRemotePoll(outcome string) {
	m.RemoteConfigPolls.WithLabelValues(outcome).Inc()
	if outcome == "applied" {
		m.RemoteConfigUpdates.Inc()
	}
}

// EvalCacheHit counts an evaluation served from the TTL cache.
func (m *Metrics) EvalCacheHit() { m.EvalCacheHits.Inc() }

// EvalCacheMiss counts an evaluation computed from flag definitions.
func (m *Metrics) EvalCacheMiss() { m.EvalCacheMisses.Inc() }

// EvalCacheInvalidated counts a full evaluation cache flush.
func (m *Metrics) EvalCacheInvalidated() { m.EvalCacheInvalidations.Inc() }
