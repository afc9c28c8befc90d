// Package metrics provides Prometheus metrics for Alertflow.
// It tracks event ingestion, correlation passes and alert lifecycle
// transitions to help identify bottlenecks and measure SLOs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "alertflow"
)

// Event metrics track the ingestion pipeline.
var (
	// EventsReceivedTotal counts total events received by the API.
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of events received by the ingest API",
		},
		[]string{"source", "result"},
	)

	// EventsPublishedTotal counts events successfully published to the queue.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published to the message queue",
		},
		[]string{"source"},
	)

	// EventsProcessedTotal counts events evaluated by the correlation pass.
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of events processed by correlation",
		},
		[]string{"result"},
	)

	// EventIngestLatency measures time from API receipt to queue publish.
	EventIngestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_ingest_latency_seconds",
			Help:      "Time from event receipt to queue publish in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Correlation metrics track the evaluation passes.
var (
	// PassDuration measures the wall time of one correlation pass.
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of one correlation pass in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PassBatchSize tracks how many events each pass evaluated.
	PassBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_batch_size",
			Help:      "Number of events evaluated per correlation pass",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// GroupingResolutionsTotal counts group key resolutions per fallback level.
	GroupingResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grouping_resolutions_total",
			Help:      "Group key resolutions by fallback level",
		},
		[]string{"level"},
	)

	// ConditionEvaluationsTotal counts evaluator outcomes per condition type.
	ConditionEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_evaluations_total",
			Help:      "Condition evaluations by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// SessionsActive gauges the sessions touched by the latest pass.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions touched by the most recent correlation pass",
		},
	)
)

// Alert metrics track the output side.
var (
	// AlertsCreatedTotal counts alerts created, by rule.
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Total number of alerts created",
		},
		[]string{"rule_id"},
	)

	// AlertsUpdatedTotal counts alert updates, by rule.
	AlertsUpdatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_updated_total",
			Help:      "Total number of alert updates applied",
		},
		[]string{"rule_id"},
	)

	// AlertsClosedTotal counts engine-driven closes by rule and reason,
	// either "recovery" or "auto_close".
	AlertsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_closed_total",
			Help:      "Total number of alerts closed by the correlation engine",
		},
		[]string{"rule_id", "reason"},
	)

	// NotificationsSentTotal counts notifier deliveries by result.
	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of notifications sent",
		},
		[]string{"result"},
	)
)
