// Package observability holds the Prometheus collectors of the sync pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stravasync"

var (
	RemoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "strava",
		Name:      "requests_total",
		Help:      "Requests made to the Strava API by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	ActivitiesGathered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gather",
		Name:      "activities_added_total",
		Help:      "Summary activities added by gather runs.",
	})

	PagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gather",
		Name:      "pages_fetched_total",
		Help:      "Activity list pages fetched and persisted.",
	})

	ActivitiesEnriched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "activities_total",
		Help:      "Activities processed by the enricher by result.",
	}, []string{"result"})

	RunOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by stage and outcome.",
	}, []string{"stage", "outcome"})

	PersistenceRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "retries_total",
		Help:      "Retried document store operations.",
	}, []string{"op", "collection"})

	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "failures_total",
		Help:      "Document store operations that failed after exhausting retries.",
	}, []string{"op", "collection"})

	GuardAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guard",
		Name:      "acquisitions_total",
		Help:      "Single-flight acquisition attempts by job and result.",
	}, []string{"job", "result"})

	RateLimitRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "remaining_calls",
		Help:      "Remaining calls per service and window as of the last check.",
	}, []string{"service", "window"})

	PoisonMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "poison_messages_total",
		Help:      "Queue messages routed to the poison sink.",
	}, []string{"queue"})

	lastGatherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gather",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful gather run.",
	})
)

func init() {
	prometheus.MustRegister(
		RemoteCalls,
		ActivitiesGathered,
		PagesFetched,
		ActivitiesEnriched,
		RunOutcomes,
		PersistenceRetries,
		PersistenceFailures,
		GuardAcquisitions,
		RateLimitRemaining,
		PoisonMessages,
		lastGatherGauge,
	)
}

// RecordGatherSuccess updates the gather watermark gauge.
func RecordGatherSuccess(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastGatherGauge.Set(float64(ts.Unix()))
}

// RecordRateLimit publishes the remaining budget of both windows.
func RecordRateLimit(service string, shortRemaining, dailyRemaining int) {
	RateLimitRemaining.WithLabelValues(service, "short").Set(float64(shortRemaining))
	RateLimitRemaining.WithLabelValues(service, "daily").Set(float64(dailyRemaining))
}
