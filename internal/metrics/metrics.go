// Package metrics exposes Prometheus collectors for the settlement layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "engine",
			Name:      "settlements_total",
			Help:      "Total number of settlement attempts by kind and final state.",
		},
		[]string{"kind", "state"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "engine",
			Name:      "settlement_duration_seconds",
			Help:      "End-to-end duration of settlement attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		},
		[]string{"kind"},
	)

	pendingSettlements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement_layer",
			Subsystem: "engine",
			Name:      "pending_settlements",
			Help:      "Settlements awaiting reconciliation after an unknown outcome.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlements,
		settlementDuration,
		pendingSettlements,
	)
}

// ObserveSettlement records one finished settlement attempt.
func ObserveSettlement(kind, state string, duration time.Duration) {
	settlements.WithLabelValues(kind, state).Inc()
	settlementDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetPendingSettlements records the current reconciliation backlog size.
func SetPendingSettlements(n int) {
	pendingSettlements.Set(float64(n))
}

// Handler serves the metrics endpoint for the application registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics under a fixed
// path label.
func InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(recorder.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
