package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine operations by outcome; result is "ok" or an error kind.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealhub_transitions_total",
			Help: "Settlement operations by result",
		},
		[]string{"op", "result"},
	)

	// Escrow provider round trips.
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealhub_provider_call_duration_seconds",
			Help:    "Escrow provider call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "result"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealhub_payouts_total",
			Help: "Payout records by status reached",
		},
		[]string{"status"}, // processing, succeeded, failed
	)

	InvariantBreaches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealhub_invariant_breaches_total",
			Help: "Invariant breaches detected by the settlement engine",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealhub_outbox_published_total",
			Help: "Audit events published from the outbox",
		},
		[]string{"result"}, // success, failed
	)

	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealhub_db_slow_queries_total",
			Help: "Postgres queries slower than the configured threshold",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func ObserveTransition(op, result string) {
	TransitionsTotal.WithLabelValues(op, result).Inc()
}

// ObserveProviderCall records one escrow provider call.
func ObserveProviderCall(method, result string, duration time.Duration) {
	ProviderCallDuration.WithLabelValues(method, result).Observe(duration.Seconds())
}

func IncPayout(status string) {
	PayoutsTotal.WithLabelValues(status).Inc()
}

func IncInvariantBreach() {
	InvariantBreaches.Inc()
}

func IncOutbox(result string) {
	OutboxPublished.WithLabelValues(result).Inc()
}

func IncSlowQuery() {
	SlowQueries.Inc()
}

// RecordHTTPRequestDuration records HTTP request latency.
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
