package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refinery_runs_started_total",
			Help: "Total number of refinement runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_runs_completed_total",
			Help: "Total number of refinement runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refinery_run_duration_seconds",
			Help:    "End-to-end refinement run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StepsPerRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refinery_steps_per_run",
			Help:    "Coordinator steps consumed per run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 12},
		},
	)

	// Role metrics
	RoleExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_role_executions_total",
			Help: "Specialist role executions by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	RoleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refinery_role_duration_seconds",
			Help:    "Specialist role execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	DebatesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refinery_debates_detected_total",
			Help: "Total number of debates flagged for adjudication",
		},
	)

	AggregationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refinery_aggregation_fallbacks_total",
			Help: "Aggregations served by the deterministic fallback path",
		},
	)

	// Model gateway metrics
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_gateway_calls_total",
			Help: "Model gateway calls by outcome",
		},
		[]string{"outcome"},
	)

	GatewayRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refinery_gateway_retries_total",
			Help: "Model gateway call retries",
		},
	)

	GatewayLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refinery_gateway_latency_seconds",
			Help:    "Model gateway call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_events_published_total",
			Help: "Progress events published by phase",
		},
		[]string{"phase"},
	)

	// Thread store metrics
	ThreadSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinery_thread_saves_total",
			Help: "Thread snapshot saves by outcome",
		},
		[]string{"outcome"},
	)
)
