package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "sessions_started_total", Help: "Total tracking sessions started"})
	SessionsEnded     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "sessions_ended_total", Help: "Total tracking sessions retired by final status"}, []string{"status"})
	SessionsPurged    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "sessions_purged_total", Help: "Total retired sessions deleted by purge"})
	LocationUpdates   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "location_updates_total", Help: "Total accepted location updates"}, []string{"role"})
	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "qmuter_tracking", Name: "evaluation_latency_seconds", Help: "Latency of one ETA/arrival evaluation cycle", Buckets: prometheus.DefBuckets})
	EvaluationErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "evaluation_errors_total", Help: "Evaluation cycles that failed and were swallowed"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "notifications_sent_total", Help: "Notification records written"},
		[]string{"type"},
	)
	NotificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "notification_errors_total", Help: "Notification writes or dispatches that failed"},
		[]string{"stage"},
	)

	LocationEventsConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "location_events_consumed_total", Help: "Total location events read from kafka"})
	LocationEventsInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "location_events_invalid_total", Help: "Location events dropped as malformed or for unknown trips"})
	LocationEventsFailed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "location_events_failed_total", Help: "Location events that could not be applied after retries"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "qmuter_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qmuter_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
