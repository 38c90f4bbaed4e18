package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns the Prometheus instruments for the batch pipeline.
type Collector struct {
	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Intake and batch lifecycle
	requestsAdmitted  *prometheus.CounterVec
	requestsRejected  *prometheus.CounterVec
	batchesClosed     *prometheus.CounterVec
	batchesFailed     prometheus.Counter
	batchTransitions  *prometheus.CounterVec
	requestsProcessed *prometheus.CounterVec

	// Provider I/O
	providerPolls        *prometheus.CounterVec
	providerPollDuration prometheus.Histogram
	tokensUsed           *prometheus.CounterVec

	// Delivery
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the pipeline's instruments under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.requestsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_admitted_total",
			Help:      "Requests accepted into a building batch",
		},
		[]string{"endpoint", "model"},
	)
	c.requestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests rejected at intake",
		},
		[]string{"reason"},
	)
	c.batchesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_closed_total",
			Help:      "Batches closed for upload",
		},
		[]string{"reason"}, // request_limit, size_limit, flush, stale
	)
	c.batchesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Batches that reached the failed terminal state",
		},
	)
	c.batchTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_state_transitions_total",
			Help:      "Batch state transitions",
		},
		[]string{"from", "to"},
	)
	c.requestsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_processed_total",
			Help:      "Requests joined with a provider result",
		},
		[]string{"status"}, // succeeded, failed
	)

	c.providerPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_polls_total",
			Help:      "Provider batch status polls",
		},
		[]string{"status"}, // ok, error
	)
	c.providerPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_poll_duration_seconds",
			Help:      "Provider status poll duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens the provider reported for completed batches",
		},
		[]string{"type"}, // input, cached_input, reasoning, output
	)

	c.deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Physical delivery attempts by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)
	c.deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Delivery attempt duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"sink"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RequestAdmitted counts an accepted intake submission.
func (c *Collector) RequestAdmitted(endpoint, model string) {
	c.requestsAdmitted.WithLabelValues(endpoint, model).Inc()
}

// RequestRejected counts a rejected intake submission.
func (c *Collector) RequestRejected(reason string) {
	c.requestsRejected.WithLabelValues(reason).Inc()
}

// BatchClosed counts a batch closure.
func (c *Collector) BatchClosed(reason string) {
	c.batchesClosed.WithLabelValues(reason).Inc()
}

// BatchFailed counts a batch that reached the failed terminal state.
func (c *Collector) BatchFailed() {
	c.batchesFailed.Inc()
}

// BatchTransition counts one batch state transition.
func (c *Collector) BatchTransition(from, to string) {
	c.batchTransitions.WithLabelValues(from, to).Inc()
}

// RequestProcessed counts a request joined with its provider result.
func (c *Collector) RequestProcessed(succeeded bool) {
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	c.requestsProcessed.WithLabelValues(status).Inc()
}

// ObserveProviderPoll records a status poll.
func (c *Collector) ObserveProviderPoll(duration time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.providerPolls.WithLabelValues(status).Inc()
	c.providerPollDuration.Observe(duration.Seconds())
}

// AddTokenUsage records the provider's token accounting for a batch.
func (c *Collector) AddTokenUsage(input, cachedInput, reasoning, output int64) {
	c.tokensUsed.WithLabelValues("input").Add(float64(input))
	c.tokensUsed.WithLabelValues("cached_input").Add(float64(cachedInput))
	c.tokensUsed.WithLabelValues("reasoning").Add(float64(reasoning))
	c.tokensUsed.WithLabelValues("output").Add(float64(output))
}

// RecordDeliveryAttempt records one physical delivery attempt.
func (c *Collector) RecordDeliveryAttempt(sink, outcome string, duration time.Duration) {
	c.deliveryAttempts.WithLabelValues(sink, outcome).Inc()
	c.deliveryDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordDBConnections records pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusClass collapses an HTTP status code into its class label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
