package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewsTotal counts completed pipeline executions, labeled by outcome.
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_pipeline_runs_total",
		Help: "The total number of completed review pipeline executions",
	}, []string{"outcome"}) // outcome: success, retry, failure, stale

	// EnqueueTotal counts enqueue attempts, labeled by result.
	EnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_enqueue_total",
		Help: "The total number of enqueue attempts",
	}, []string{"result"}) // result: admitted, duplicate, conflict, backpressure

	// WebhookRequests counts incoming webhooks, labeled by status.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_webhook_requests_total",
		Help: "The total number of received webhook requests",
	}, []string{"status"}) // status: received, accepted, invalid_signature, invalid_payload, ignored_event, dropped_backpressure

	// ProcessingDuration measures end-to-end pipeline execution time.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_processing_duration_seconds",
		Help:    "Time taken to execute the review pipeline for one merge request",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"}) // result: success, error

	// BreakerState exports the AI circuit breaker state (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_ai_breaker_state",
		Help: "Current state of the AI reviewer circuit breaker (0=closed, 1=half-open, 2=open)",
	})

	// BreakerFailureRate exports the rolling failure rate observed by the breaker.
	BreakerFailureRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_ai_breaker_failure_rate",
		Help: "Rolling failure rate of AI reviewer calls",
	})

	// QueueDepth tracks the number of queued review jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_queue_depth",
		Help: "Number of review jobs waiting in the worker queue",
	})

	// PollerDiscovered counts merge requests discovered by the poller.
	PollerDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_poller_discovered_total",
		Help: "The total number of merge requests discovered by the poller",
	}, []string{"project"})

	// NotifyFailures counts completion events that could not be delivered.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "review_notify_failures_total",
		Help: "Total number of completion events that failed to publish",
	})
)
