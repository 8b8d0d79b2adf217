package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Scheduler ───────────────────────────────────────────────────────────────

	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks accepted by Submit, labelled by priority.",
	}, []string{"priority"})

	TasksAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "tasks_admitted_total",
		Help:      "Total Pending or retry-scheduled tasks moved to Running.",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "tasks_finished_total",
		Help:      "Total tasks leaving Running, labelled by resulting state and error kind.",
	}, []string{"state", "error_kind"})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "tasks_running",
		Help:      "Tasks currently holding a concurrency slot.",
	})

	TasksQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "tasks_queued",
		Help:      "Tasks waiting for admission, including scheduled retries.",
	})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Time from admission to the end of Running, in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"state"})

	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "retries_scheduled_total",
		Help:      "Total retries scheduled, labelled by trigger (auto or manual).",
	}, []string{"trigger"})

	StaleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "scheduler",
		Name:      "stale_events_total",
		Help:      "Status events ignored because the task was unknown, settled, or on another attempt.",
	})

	// ─── Watcher ─────────────────────────────────────────────────────────────────

	WatcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "Debounced status-file changes delivered, labelled by outcome.",
	}, []string{"outcome"})

	WatchesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "watcher",
		Name:      "watches_active",
		Help:      "Projects currently being watched.",
	})

	// ─── Supervisor ──────────────────────────────────────────────────────────────

	SupervisorIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "supervisor",
		Name:      "iterations_total",
		Help:      "Total supervision iterations, labelled by outcome.",
	}, []string{"outcome"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total REST requests, labelled by method, route pattern, and status code.",
	}, []string{"method", "route", "status"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total submissions rejected by the per-project rate limiter.",
	})

	// ─── Recurring ───────────────────────────────────────────────────────────────

	RecurringFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "recurring",
		Name:      "fired_total",
		Help:      "Total recurring template instances submitted, labelled by template.",
	}, []string{"template"})
)
