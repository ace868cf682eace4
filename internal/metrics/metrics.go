// Package metrics holds the Prometheus instrumentation for the
// analysis service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all counters exposed on /metrics.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	EventsInvalidTotal   prometheus.Counter
	DetectionsCreated    *prometheus.CounterVec
	DetectionsMerged     prometheus.Counter
	DetectionsSuppressed prometheus.Counter
	NotificationsSent    prometheus.Counter
	NotificationsDropped *prometheus.CounterVec
	NotificationsFailed  prometheus.Counter
	PublishErrors        prometheus.Counter
}

// New creates and registers the metric set.
func New() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Total number of events ingested, by event type",
		}, []string{"event_type"}),
		EventsInvalidTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingest_events_invalid_total",
			Help: "Total number of invalid events rejected at the ingest boundary",
		}),
		DetectionsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "detections_created_total",
			Help: "Total number of detections created, by model and severity",
		}, []string{"model", "severity"}),
		DetectionsMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "detections_merged_total",
			Help: "Total number of candidates merged into a recent detection",
		}),
		DetectionsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "detections_suppressed_total",
			Help: "Total number of candidates suppressed by the cooldown window",
		}),
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications delivered",
		}),
		NotificationsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Total number of notifications dropped, by reason",
		}, []string{"reason"}),
		NotificationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of notifications that failed after all retries",
		}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "detection_publish_errors_total",
			Help: "Total number of errors publishing detections to the message bus",
		}),
	}
}
