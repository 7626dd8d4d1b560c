// Package observability exposes Prometheus metrics for every scheduler
// component on a private registry.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all scheduler instruments on one private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatcher
	DispatchIterations  prometheus.Counter
	DueJobs             prometheus.Counter
	OccurrencesPublished prometheus.Counter
	PublishFailures     prometheus.Counter
	LockContention      prometheus.Counter
	RetriesSwept        prometheus.Counter

	// Tracker
	StatusUpdates     prometheus.Counter
	FlushSize         prometheus.Histogram
	FlushDuration     prometheus.Histogram
	StatusTransitions *prometheus.CounterVec
	AutoDisables      prometheus.Counter

	// Log collector
	LogEntriesAppended prometheus.Counter
	LogEntriesDropped  prometheus.Counter

	// Zombie detector
	ZombiesReaped *prometheus.CounterVec

	// DLQ handler
	FailedOccurrences *prometheus.CounterVec

	// Bus
	BusReconnects      prometheus.Counter
	ConsumerRestarts   prometheus.Counter

	// Schedule client
	BreakerState  prometheus.Gauge
	CommandErrors prometheus.Counter
}

// NewMetrics creates all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DispatchIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_dispatcher_iterations_total",
			Help: "Dispatch loop iterations executed.",
		}),
		DueJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_dispatcher_due_jobs_total",
			Help: "Due job ids pulled from the time index.",
		}),
		OccurrencesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_dispatcher_occurrences_published_total",
			Help: "Occurrences successfully published to the bus.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_dispatcher_publish_failures_total",
			Help: "Dispatch publish attempts that failed.",
		}),
		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_dispatcher_lock_contention_total",
			Help: "Dispatch attempts skipped because another instance held the job lock.",
		}),
		RetriesSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_dispatcher_retries_swept_total",
			Help: "Queued occurrences picked up by the dispatch retry sweep.",
		}),

		StatusUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_tracker_status_updates_total",
			Help: "Status update messages consumed.",
		}),
		FlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "milvaion_tracker_flush_size",
			Help:    "Updates applied per tracker flush.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "milvaion_tracker_flush_duration_seconds",
			Help:    "Wall time of one tracker flush.",
			Buckets: prometheus.DefBuckets,
		}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milvaion_tracker_status_transitions_total",
			Help: "Applied occurrence transitions by target status.",
		}, []string{"status"}),
		AutoDisables: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_tracker_auto_disables_total",
			Help: "Jobs disabled by the consecutive-failure breaker.",
		}),

		LogEntriesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_joblogs_entries_appended_total",
			Help: "Worker log entries appended to occurrences.",
		}),
		LogEntriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_joblogs_entries_dropped_total",
			Help: "Worker log entries dropped for unknown correlation ids.",
		}),

		ZombiesReaped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milvaion_zombie_reaped_total",
			Help: "Occurrences moved to Unknown by the zombie detector.",
		}, []string{"kind"}),

		FailedOccurrences: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milvaion_dlq_failed_occurrences_total",
			Help: "Dead-letter records written by failure type.",
		}, []string{"failure_type"}),

		BusReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_bus_reconnects_total",
			Help: "Successful broker reconnects.",
		}),
		ConsumerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_bus_consumer_restarts_total",
			Help: "Consumer re-registrations after reconnect.",
		}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "milvaion_redis_breaker_state",
			Help: "Redis circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		CommandErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "milvaion_redis_command_errors_total",
			Help: "Redis commands that returned an error.",
		}),
	}
}

// Handler returns the scrape endpoint for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
