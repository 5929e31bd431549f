// Package metrics provides Prometheus instrumentation for Merlin.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Merlin collector. It is separate from the
// global default registry so tests and embedding programs stay isolated.
var Registry = prometheus.NewRegistry()

var (
	// DecisionsTotal counts decisions by risk level.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "merlin",
			Name:      "decisions_total",
			Help:      "Total risk decisions by risk level.",
		},
		[]string{"risk_level"},
	)

	// RuleTriggersTotal counts rule triggers by rule name.
	RuleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "merlin",
			Name:      "rule_triggers_total",
			Help:      "Total rule triggers by rule.",
		},
		[]string{"rule"},
	)

	// MLUnavailableTotal counts evaluations decided without an anomaly score.
	MLUnavailableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "merlin",
		Name:      "ml_unavailable_total",
		Help:      "Evaluations that fell back to rules only because no model was loaded.",
	})

	// EvaluationDuration observes the in-memory evaluation pipeline latency.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "merlin",
		Name:      "evaluation_duration_seconds",
		Help:      "Evaluation pipeline duration in seconds.",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	// RefreshCyclesTotal counts completed refresh cycles.
	RefreshCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "merlin",
		Name:      "refresh_cycles_total",
		Help:      "Total baseline refresh cycles completed.",
	})

	// RefreshUserFailuresTotal counts per-user refresh failures.
	RefreshUserFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "merlin",
		Name:      "refresh_user_failures_total",
		Help:      "Total per-user baseline refresh failures.",
	})

	// RefreshCycleDuration observes the wall time of a refresh cycle.
	RefreshCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "merlin",
		Name:      "refresh_cycle_duration_seconds",
		Help:      "Baseline refresh cycle duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	// BaselineUsers tracks users with a warm baseline.
	BaselineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "merlin",
		Name:      "baseline_users",
		Help:      "Number of users with a warm baseline in the cache.",
	})

	// LedgerWriteFailuresTotal counts decisions whose ledger insert failed.
	LedgerWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "merlin",
		Name:      "ledger_write_failures_total",
		Help:      "Total ledger insert failures after a decision was computed.",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "merlin",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DecisionsTotal,
		RuleTriggersTotal,
		MLUnavailableTotal,
		EvaluationDuration,
		RefreshCyclesTotal,
		RefreshUserFailuresTotal,
		RefreshCycleDuration,
		BaselineUsers,
		LedgerWriteFailuresTotal,
		HTTPRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StatusBucket groups HTTP status codes into classes (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
