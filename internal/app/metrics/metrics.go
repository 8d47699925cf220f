package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fitting_service",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fitting_service",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fitting_service",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	fittingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fitting_service",
			Subsystem: "fittings",
			Name:      "outcomes_total",
			Help:      "Terminal outcomes of fitting requests.",
		},
		[]string{"outcome"},
	)

	fittingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fitting_service",
			Subsystem: "fittings",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of fitting requests.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3.5min
		},
		[]string{"outcome"},
	)

	providerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fitting_service",
			Subsystem: "provider",
			Name:      "attempts_total",
			Help:      "Provider call attempts by classification.",
		},
		[]string{"classification"},
	)

	providerAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fitting_service",
			Subsystem: "provider",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of individual provider call attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"classification"},
	)

	auditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fitting_service",
			Subsystem: "activity",
			Name:      "write_failures_total",
			Help:      "Activity log writes that failed; each one is an operational alert.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		fittingOutcomes,
		fittingDuration,
		providerAttempts,
		providerAttemptDuration,
		auditWriteFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordFittingOutcome records the terminal outcome of one fitting request.
func RecordFittingOutcome(outcome string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	fittingOutcomes.WithLabelValues(outcome).Inc()
	fittingDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordProviderAttempt records one provider call attempt and its
// classification.
func RecordProviderAttempt(classification string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	providerAttempts.WithLabelValues(classification).Inc()
	providerAttemptDuration.WithLabelValues(classification).Observe(duration.Seconds())
}

// RecordAuditWriteFailure escalates a failed activity log write.
func RecordAuditWriteFailure() {
	auditWriteFailures.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "users" {
		return "/" + strings.Join(parts, "/")
	}
	if len(parts) == 1 {
		return "/users"
	}
	rest := append([]string{"users", ":id"}, parts[2:]...)
	return "/" + strings.Join(rest, "/")
}
