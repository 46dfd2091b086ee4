package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "disperse_build_info",
			Help: "Build information of the disperse service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disperse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "disperse_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disperse_distributions_total",
			Help: "Total number of distribution runs by outcome",
		},
		[]string{"outcome"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disperse_transfers_total",
			Help: "Total number of ledger transfers by outcome",
		},
		[]string{"outcome"},
	)

	TokensDistributedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "disperse_tokens_distributed_total",
			Help: "Total token amount confirmed distributed",
		},
	)

	PendingShares = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disperse_pending_shares",
			Help: "Number of recipients with pending share allocations",
		},
	)

	InterruptedDistributions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disperse_interrupted_distributions",
			Help: "Number of recipients with an unresolved interrupted transfer",
		},
	)
)

// Transfer outcome label values.
const (
	OutcomeConfirmed     = "confirmed"
	OutcomeRejected      = "rejected"
	OutcomeIndeterminate = "indeterminate"
)

// Middleware records request counts and durations per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
