package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_events_processed_total",
			Help: "Total number of events run through the alert engine",
		},
		[]string{"status"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainwatch_event_processing_duration_seconds",
			Help:    "Time taken to process events",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_alerts_suppressed_total",
			Help: "Total number of rule matches suppressed before becoming alerts",
		},
		[]string{"reason"},
	)

	DedupBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_dedup_backend_errors_total",
			Help: "Shared dedup backend errors; affected matches fail open",
		},
		[]string{"op"},
	)

	AlertsAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_alerts_acknowledged_total",
			Help: "Total number of alerts acknowledged",
		},
	)

	CorrelationEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_correlation_escalations_total",
			Help: "Total number of escalated alerts emitted by correlation rules",
		},
		[]string{"rule_id"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_notifications_total",
			Help: "Total number of notification attempts by sink and outcome",
		},
		[]string{"sink", "status"},
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainwatch_notification_duration_seconds",
			Help:    "Time taken by a single sink delivery",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainwatch_circuit_breaker_state",
			Help: "Circuit breaker state per sink (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	EnrichmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_enrichment_failures_total",
			Help: "Total number of failed enrichment lookups",
		},
		[]string{"operation"},
	)

	EnrichmentCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_enrichment_cache_lookups_total",
			Help: "Label cache lookups by result",
		},
		[]string{"result"},
	)

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_consumer_messages_total",
			Help: "Messages handled by the consumer loop by outcome",
		},
		[]string{"outcome"},
	)

	ConsumerStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_consumer_state_transitions_total",
			Help: "Consumer loop state transitions",
		},
		[]string{"state"},
	)

	DeadLetterPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_dead_letter_published_total",
			Help: "Messages routed to the dead letter topic by reason",
		},
		[]string{"reason"},
	)

	DeadLetterPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_dead_letter_publish_failures_total",
			Help: "Total number of failed dead letter publish attempts",
		},
	)

	DeadLetterInsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_dead_letter_insert_failures_total",
			Help: "Total number of dead letter archive insertion failures",
		},
	)

	KYTAssessments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_kyt_assessments_total",
			Help: "Streaming risk assessments by risk level",
		},
		[]string{"level"},
	)

	KYTDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_kyt_dropped_total",
			Help: "Assessments dropped because a subscriber buffer was full",
		},
	)

	KYTSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainwatch_kyt_subscribers",
			Help: "Current number of streaming subscribers",
		},
	)

	GoroutinePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_goroutine_panics_total",
			Help: "Panics recovered in long-running goroutines",
		},
		[]string{"goroutine"},
	)
)
