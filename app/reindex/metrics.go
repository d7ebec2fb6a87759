package reindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	migrationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esmigrate_migrations_total",
			Help: "Number of started schema migrations",
		},
		[]string{"strategy"},
	)

	tasksAwaited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esmigrate_tasks_awaited_total",
			Help: "Number of waits for engine tasks by outcome",
		},
		[]string{"status"},
	)

	taskAwaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "esmigrate_task_await_seconds",
			Help:    "Duration of waiting for engine tasks",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
	)

	taskProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esmigrate_task_progress_ratio",
			Help: "Fraction of documents processed by the awaited task",
		},
		[]string{"task"},
	)

	pollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esmigrate_task_poll_errors_total",
			Help: "Number of failed task status polls",
		},
	)

	cutovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esmigrate_cutovers_total",
			Help: "Number of cutovers by strategy and result",
		},
		[]string{"strategy", "result"},
	)
)
