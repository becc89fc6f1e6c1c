package obs

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ledger metrics.
var (
	transactionsPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transactions_posted_total",
		Help: "Transactions committed by the processor.",
	})

	transactionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_rejected_total",
			Help: "Transactions rejected before mutation.",
		},
		[]string{"reason"},
	)

	conflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_concurrency_conflicts_total",
		Help: "Optimistic-lock conflicts that triggered a retry.",
	})

	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotent_replays_total",
		Help: "Requests answered from the idempotency store.",
	})

	executeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_execute_duration_seconds",
		Help:    "End-to-end Execute latency for posted transactions.",
		Buckets: prometheus.DefBuckets,
	})

	accrualPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_accrual_postings_total",
		Help: "Interest postings submitted by the accrual service.",
	})
)

// Ops HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		transactionsPosted, transactionsRejected, conflictRetries,
		idempotentReplays, executeDuration, accrualPosted,
		httpInFlight, httpRequestsTotal, httpRequestDuration,
	)
}

// TransactionPosted records a committed transaction and its latency.
func TransactionPosted(seconds float64) {
	transactionsPosted.Inc()
	executeDuration.Observe(seconds)
}

// TransactionRejected records a validation or business-rule rejection.
func TransactionRejected(cause error) {
	transactionsRejected.WithLabelValues(rejectionReason(cause)).Inc()
}

// ConflictRetry records one optimistic-lock conflict.
func ConflictRetry() { conflictRetries.Inc() }

// IdempotentReplay records a request served from the idempotency store.
func IdempotentReplay() { idempotentReplays.Inc() }

// AccrualPosted records one interest posting.
func AccrualPosted() { accrualPosted.Inc() }

// knownReasons holds the sentinel errors allowed as label values. Registered
// once from package init before any request runs, read-only afterwards.
var knownReasons []error

// RegisterRejectionReasons declares the sentinel errors whose messages may
// appear as rejection labels. Anything outside the set is bucketed as "other"
// to keep the label cardinality fixed.
func RegisterRejectionReasons(errs ...error) {
	knownReasons = append(knownReasons, errs...)
}

// rejectionReason maps an error chain to a bounded label set.
func rejectionReason(err error) string {
	if err == nil {
		return "unknown"
	}
	for _, known := range knownReasons {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "other"
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses the fixed ops surface to a bounded label set.
func CanonicalPath(path string) string {
	switch path {
	case "", "/":
		return "/"
	case "/healthz", "/readyz", "/metrics", "/version":
		return path
	default:
		return "other"
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
