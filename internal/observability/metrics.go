package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors used across the service.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	QueueDepth          *prometheus.GaugeVec
	DLQDepth            *prometheus.GaugeVec
	WorkerDeliveries    *prometheus.CounterVec
	WorkerDeliveryTime  *prometheus.HistogramVec
	WorkerRetries       *prometheus.CounterVec
	RateLimiterWaits    *prometheus.CounterVec
	IdempotencyHits     *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge
	LockAcquisitions    *prometheus.CounterVec
}

// NewMetrics registers collectors with the provided namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	httpLabels := []string{"method", "path", "status"}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, httpLabels)
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, httpLabels)

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of entries currently live on an instance's outbound stream.",
	}, []string{"instance"})
	dlqDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dlq_depth",
		Help:      "Number of entries on an instance's dead-letter stream.",
	}, []string{"instance"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_delivery_total",
		Help:      "Delivery attempts by outcome.",
	}, []string{"instance", "outcome"})
	deliveryTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_delivery_duration_seconds",
		Help:      "Time spent in a single delivery attempt, including the gateway round trip.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"instance"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_retry_total",
		Help:      "Retries scheduled by classified error type.",
	}, []string{"instance", "error_type"})
	rateLimiterWaits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limiter_wait_total",
		Help:      "Outcomes of wait_for_token calls.",
	}, []string{"instance", "outcome"})
	idempotencyHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotency_claim_total",
		Help:      "Idempotency claim outcomes by scope (ingress/egress).",
	}, []string{"scope", "outcome"})
	circuitState := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lock_circuit_breaker_state",
		Help:      "Current state of the distributed lock circuit breaker (0=closed,1=open,2=half_open).",
	})
	lockAcquisitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquire_total",
		Help:      "Lock acquisition attempts by task and outcome.",
	}, []string{"task", "outcome"})

	reg.MustRegister(
		requests, duration,
		queueDepth, dlqDepth, deliveries, deliveryTime, retries,
		rateLimiterWaits, idempotencyHits, circuitState, lockAcquisitions,
	)

	return &Metrics{
		HTTPRequests:        requests,
		HTTPDuration:        duration,
		QueueDepth:          queueDepth,
		DLQDepth:            dlqDepth,
		WorkerDeliveries:    deliveries,
		WorkerDeliveryTime:  deliveryTime,
		WorkerRetries:       retries,
		RateLimiterWaits:    rateLimiterWaits,
		IdempotencyHits:     idempotencyHits,
		CircuitBreakerState: circuitState,
		LockAcquisitions:    lockAcquisitions,
	}
}
