package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetrack_transitions_total",
			Help: "Status transitions attempted, by target status and result",
		},
		[]string{"to", "result"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closetrack_operation_duration_seconds",
			Help:    "Duration of lifecycle operations including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ConflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetrack_conflict_retries_total",
			Help: "Lifecycle operations retried after a concurrent modification",
		},
		[]string{"operation"},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetrack_notifications_created_total",
			Help: "Notifications created by the dispatcher, by type",
		},
		[]string{"type"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetrack_deliveries_total",
			Help: "Delivery attempts made by the outbox relay, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	RelayBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "closetrack_relay_batch_duration_seconds",
			Help:    "Duration of one outbox relay batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	RelayInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "closetrack_relay_in_flight",
			Help: "Deliveries currently being sent by the relay",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closetrack_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
