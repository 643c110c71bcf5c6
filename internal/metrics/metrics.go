// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Producer metrics
	SubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanq_submitted_total",
			Help: "Total number of submissions by outcome",
		},
		[]string{"status"},
	)

	SubmittedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanq_submitted_bytes_total",
			Help: "Total payload bytes accepted",
		},
	)

	EnqueueRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanq_enqueue_retries_total",
			Help: "Total number of enqueue attempts retried after a store failure",
		},
	)

	// Consumer metrics
	LeasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanq_leased_total",
			Help: "Total number of envelopes leased",
		},
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanq_outcomes_total",
			Help: "Total number of envelope outcomes (acked, retried, dead)",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanq_processing_duration_seconds",
			Help:    "Duration of processor calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LeaseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanq_lease_errors_total",
			Help: "Total number of failed lease calls",
		},
	)

	// Fan-out metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanq_deliveries_total",
			Help: "Total number of deliveries by subscriber and status",
		},
		[]string{"subscriber", "status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanq_delivery_duration_seconds",
			Help:    "Duration of sink deliveries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subscriber"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanq_breaker_state",
			Help: "Circuit breaker state per subscriber (0 closed, 1 half-open, 2 open)",
		},
		[]string{"subscriber"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanq_queue_depth",
			Help: "Envelopes per queue state",
		},
		[]string{"state"},
	)

	// Storage metrics
	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanq_storage_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StorageBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanq_storage_bytes_total",
			Help: "Bytes read from and written to the local store",
		},
		[]string{"op"},
	)
)

// Storage implements the pebble store metrics hook.
type Storage struct{}

func (Storage) ObserveWrite(elapsed time.Duration, bytes int) {
	StorageDuration.WithLabelValues("write").Observe(elapsed.Seconds())
	StorageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (Storage) ObserveRead(elapsed time.Duration, bytes int) {
	StorageDuration.WithLabelValues("read").Observe(elapsed.Seconds())
	StorageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (Storage) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	StorageDuration.WithLabelValues("commit").Observe(elapsed.Seconds())
	StorageBytes.WithLabelValues("commit").Add(float64(bytes))
}
