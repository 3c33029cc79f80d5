// Package observability provides Prometheus metrics, health checks, and
// request-scoped logging for the eventhooks service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the service.
//
// Key metrics for monitoring:
//   - events_triggered_total: inbound event rate per type
//   - deliveries_total: resolved deliveries by outcome (alert on "failed")
//   - delivery_attempts_total: HTTP attempts by result
//   - delivery_duration_seconds: endpoint latency
//   - queue_depth: pending jobs waiting for a worker
//   - circuit_breaker_state: per-webhook health (0=closed, 2=open)
type Metrics struct {
	EventsTriggered     *prometheus.CounterVec
	DeliveriesEnqueued  prometheus.Counter
	DeliveriesDropped   prometheus.Counter
	Deliveries          *prometheus.CounterVec
	DeliveryAttempts    *prometheus.CounterVec
	DeliveriesRetrying  prometheus.Counter
	DeliveriesThrottled *prometheus.CounterVec
	DeliveryDuration    prometheus.Histogram
	QueueDepth          prometheus.Gauge
	InFlight            prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	KafkaMessages    *prometheus.CounterVec
	RetentionDeleted prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_triggered_total",
			Help:      "Total number of events triggered, by event type",
		}, []string{"event"}),
		DeliveriesEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_enqueued_total",
			Help:      "Total number of delivery jobs accepted by the queue",
		}),
		DeliveriesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Total number of delivery jobs refused because the queue was full",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of deliveries reaching a terminal state, by outcome",
		}, []string{"outcome"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of HTTP delivery attempts, by result",
		}, []string{"result"}),
		DeliveriesRetrying: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retrying_total",
			Help:      "Total number of retries scheduled",
		}),
		DeliveriesThrottled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_throttled_total",
			Help:      "Total number of attempts postponed by rate limiting, concurrency limits or an open breaker",
		}, []string{"reason"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of delivery jobs waiting for a worker",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Number of deliveries owned by the scheduler and not yet resolved",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"webhook_id"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"webhook_id"}),
		KafkaMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Total number of Kafka messages consumed, by result",
		}, []string{"result"}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Total number of delivery attempt rows removed by retention",
		}),
	}
}
