package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "listings_created_total", Help: "Total ride listings created"})

	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_created_total", Help: "Total booking requests created"})
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "booking_transitions_total", Help: "Booking status transitions enacted"},
		[]string{"status"},
	)
	CapacityConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "capacity_conflicts_total", Help: "Booking operations rejected for insufficient seats"})

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "notifications_created_total", Help: "Notifications materialized per type"},
		[]string{"type"},
	)
	PushSignals     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "push_signals_total", Help: "Change signals delivered to push subscribers"})
	PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "push_subscribers", Help: "Currently registered push subscriptions"})

	RatingsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "ratings_submitted_total", Help: "Ratings accepted"})

	OutboxPublished     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "outbox_events_published_total", Help: "Change events published to the change topic"})
	OutboxPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "outbox_publish_errors_total", Help: "Failed change event publish attempts"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
