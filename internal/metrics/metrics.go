package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_tasks_created_total",
			Help: "Total number of tasks accepted",
		},
		[]string{"task_type"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"task_type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webrunner_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	TasksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_tasks_rejected_total",
			Help: "Total number of task submissions rejected before execution",
		},
		[]string{"reason"},
	)

	TaskStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webrunner_task_store_size",
			Help: "Number of task records currently retained",
		},
	)

	TaskStoreEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webrunner_task_store_evictions_total",
			Help: "Total number of terminal tasks evicted from the store",
		},
	)

	// Agent loop metrics
	StepsExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webrunner_steps_executed_total",
			Help: "Total number of reasoning steps executed",
		},
	)

	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webrunner_step_duration_ms",
			Help:    "Step execution duration in milliseconds",
			Buckets: []float64{50, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
	)

	// Action gateway metrics
	ActionsInvoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_actions_invoked_total",
			Help: "Total number of external actions dispatched",
		},
		[]string{"action_type", "outcome"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webrunner_action_duration_ms",
			Help:    "External action round-trip duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000},
		},
		[]string{"action_type"},
	)

	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_recovery_attempts_total",
			Help: "Total number of recovery proposals applied after action failures",
		},
		[]string{"outcome"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webrunner_stream_subscribers",
			Help: "Number of currently attached stream subscribers",
		},
	)

	StreamEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_stream_events_published_total",
			Help: "Total number of events published to the stream manager",
		},
		[]string{"event_type"},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webrunner_stream_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		},
	)

	// History persistence metrics
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrunner_history_writes_total",
			Help: "Total number of task history write attempts",
		},
		[]string{"status"},
	)

	HistoryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webrunner_history_queue_depth",
			Help: "Number of pending history write requests",
		},
	)
)
