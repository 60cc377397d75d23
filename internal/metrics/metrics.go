package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts events written to the store, by event type.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservation",
		Name:      "events_appended_total",
		Help:      "Events appended to the event store.",
	}, []string{"event_type"})

	// VersionConflicts counts optimistic-concurrency losses, by operation.
	// Retried-and-won attempts still count; the rate shows contention, not
	// client-visible failures.
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservation",
		Name:      "version_conflicts_total",
		Help:      "Appends rejected by the aggregate version unique index.",
	}, []string{"operation"})

	// ProjectionAnomalies counts events that referenced a missing read-model
	// row and were skipped.
	ProjectionAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservation",
		Name:      "projection_anomalies_total",
		Help:      "Events skipped because the projected row was absent.",
	}, []string{"event_type"})

	// RebuildDuration observes full read-model rebuilds.
	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reservation",
		Name:      "rebuild_duration_seconds",
		Help:      "Wall time of full read-model rebuilds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// OutboxPublished counts outbox messages delivered to the broker.
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reservation",
		Name:      "outbox_published_total",
		Help:      "Outbox messages published to Kafka.",
	})

	// PaymentRequests counts payment attempts by outcome
	// (approved, declined, error).
	PaymentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservation",
		Name:      "payment_requests_total",
		Help:      "Payment provider calls by outcome.",
	}, []string{"outcome"})
)
