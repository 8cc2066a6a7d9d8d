package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the mock server and status API
var (
	// HTTPRequestDuration tracks the duration of HTTP requests served by this process
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts HTTP requests served by this process
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Load generation metrics
var (
	// InferRequestsTotal counts infer attempts by model and outcome kind
	InferRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tritonload_infer_requests_total",
			Help: "Total number of infer attempts by model and outcome (success, http_error, timeout, transport_error, decode_error)",
		},
		[]string{"model", "outcome"},
	)

	// InferDuration tracks round-trip latency by model and outcome
	InferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tritonload_infer_duration_seconds",
			Help: "Round-trip latency of infer attempts by model and outcome",
			// Buckets: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, 30s, 60s
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"model", "outcome"},
	)

	// InferHTTPErrors counts non-success statuses by model and status code
	InferHTTPErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tritonload_infer_http_errors_total",
			Help: "Total number of infer responses with a non-success HTTP status",
		},
		[]string{"model", "status"},
	)

	// GeneratedTokens counts decoded output tokens
	GeneratedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tritonload_output_tokens_total",
			Help: "Total number of output_ids tokens decoded from successful responses",
		},
		[]string{"model"},
	)

	// DecodeWarnings counts non-fatal decode findings
	DecodeWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tritonload_decode_warnings_total",
			Help: "Total number of non-fatal decode warnings (e.g. sequence_length disagreement)",
		},
		[]string{"model"},
	)

	// InferRetries counts retries issued by the optional retry policy
	InferRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tritonload_infer_retries_total",
			Help: "Total number of infer retries issued by the retry policy",
		},
		[]string{"model"},
	)

	// WorkersActive tracks running workers
	WorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tritonload_workers_active",
			Help: "Number of workers currently in their request loop",
		},
		[]string{"model"},
	)

	// WorkersAbandoned counts workers that missed the drain join timeout
	WorkersAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tritonload_workers_abandoned_total",
			Help: "Total number of workers abandoned because they did not exit within the join timeout",
		},
	)
)

// RecordInfer records one classified infer attempt
func RecordInfer(model, outcome string, duration time.Duration) {
	InferRequestsTotal.WithLabelValues(model, outcome).Inc()
	InferDuration.WithLabelValues(model, outcome).Observe(duration.Seconds())
}

// RecordHTTPError records a non-success infer status
func RecordHTTPError(model string, status int) {
	InferHTTPErrors.WithLabelValues(model, strconv.Itoa(status)).Inc()
}

// RecordTokens adds decoded output tokens
func RecordTokens(model string, n int) {
	GeneratedTokens.WithLabelValues(model).Add(float64(n))
}

// RecordDecodeWarnings adds non-fatal decode warnings
func RecordDecodeWarnings(model string, n int) {
	DecodeWarnings.WithLabelValues(model).Add(float64(n))
}

// RecordRetry increments the retry counter
func RecordRetry(model string) {
	InferRetries.WithLabelValues(model).Inc()
}

// WorkerStarted increments the active worker gauge
func WorkerStarted(model string) {
	WorkersActive.WithLabelValues(model).Inc()
}

// WorkerStopped decrements the active worker gauge
func WorkerStopped(model string) {
	WorkersActive.WithLabelValues(model).Dec()
}

// RecordAbandoned adds workers abandoned during drain
func RecordAbandoned(n int) {
	WorkersAbandoned.Add(float64(n))
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
