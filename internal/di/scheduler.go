package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/control"
	"github.com/milvaion/milvaion/internal/discovery"
	"github.com/milvaion/milvaion/internal/dispatcher"
	"github.com/milvaion/milvaion/internal/dlq"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/joblogs"
	"github.com/milvaion/milvaion/internal/lock"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/schedule"
	"github.com/milvaion/milvaion/internal/tracker"
	"github.com/milvaion/milvaion/internal/workers"
	"github.com/milvaion/milvaion/internal/zombie"
)

// ObservabilityModule provides metrics.
var ObservabilityModule = fx.Module("observability",
	fx.Provide(observability.NewMetrics),
)

// EventsModule provides the websocket event hub.
var EventsModule = fx.Module("events",
	fx.Provide(
		provideHub,
		func(hub *events.Hub) events.Sink { return hub },
	),
)

func provideHub(lc fx.Lifecycle, logger *zap.Logger) *events.Hub {
	hub := events.NewHub(logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.Run()
			return nil
		},
		OnStop: func(context.Context) error {
			hub.Stop()
			return nil
		},
	})
	return hub
}

// ControlModule provides the runtime control state and its file watcher.
var ControlModule = fx.Module("control",
	fx.Provide(control.NewState),
	fx.Invoke(startControlWatcher),
)

func startControlWatcher(lc fx.Lifecycle, cfg *config.ControlConfig, state *control.State, sink events.Sink, logger *zap.Logger) {
	if !cfg.EnableWatch {
		return
	}
	state.OnChange(func(stopped bool, reason string) {
		sink.Publish(events.New(events.TypeEmergencyStop, events.TopicControl, map[string]any{
			"stopped": stopped,
			"reason":  reason,
		}))
	})
	watcher := control.NewWatcher(cfg.Dir, cfg.File, state, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return watcher.Start()
		},
		OnStop: func(context.Context) error {
			watcher.Stop()
			return nil
		},
	})
}

// SchedulerModule provides the scheduler's working parts: dispatcher,
// status tracker, log collector, zombie detector, DLQ handler and the
// worker-discovery service.
var SchedulerModule = fx.Module("scheduler",
	fx.Provide(
		provideDispatcher,
		provideTracker,
		provideLogCollector,
		provideZombieDetector,
		provideDLQHandler,
		provideDiscoveryService,
	),
	fx.Invoke(startComponents),
)

func provideDispatcher(
	cfg *config.DispatcherConfig,
	healthCfg *config.WorkerHealthConfig,
	scheduleClient schedule.Client,
	locks lock.Service,
	registry workers.Registry,
	publisher *bus.Publisher,
	inspector *bus.QueueInspector,
	jobs repository.ScheduledJobRepository,
	occurrences repository.JobOccurrenceRepository,
	store repository.HealthChecker,
	state *control.State,
	sink events.Sink,
	metrics *observability.Metrics,
	topology bus.Topology,
	logger *zap.Logger,
) *dispatcher.Dispatcher {
	return dispatcher.New(
		dispatcher.Config{
			PollingInterval:        cfg.PollingInterval(),
			BatchSize:              cfg.BatchSize,
			LockTTL:                cfg.LockTTL(),
			EnableStartupRecovery:  cfg.EnableStartupRecovery,
			MaxRetryAttempts:       cfg.MaxRetryAttempts,
			PublishConcurrency:     cfg.PublishConcurrency,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			FailureBackoff:         cfg.FailureBackoff(),
			CacheTTL:               cfg.CacheTTL,
			RecoveryGracePeriod:    cfg.RecoveryGracePeriod,
			WorkerHeartbeatTimeout: healthCfg.HeartbeatTimeout(),
		},
		scheduleClient, locks, registry, publisher, inspector,
		jobs, occurrences, store, state, sink, metrics, topology, logger,
	)
}

func provideTracker(
	cfg *config.TrackerConfig,
	autoCfg *config.AutoDisableConfig,
	scheduleClient schedule.Client,
	registry workers.Registry,
	occurrences repository.JobOccurrenceRepository,
	jobs repository.ScheduledJobRepository,
	sink events.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *tracker.Tracker {
	return tracker.New(
		tracker.Config{
			BatchSize:     cfg.BatchSize,
			BatchInterval: cfg.BatchInterval(),
			MarkerBudget:  cfg.MarkerBudget(),
		},
		tracker.AutoDisableConfig{
			Enabled:       autoCfg.Enabled,
			Threshold:     autoCfg.ConsecutiveFailureThreshold,
			FailureWindow: autoCfg.FailureWindow(),
		},
		scheduleClient, registry, occurrences, jobs, sink, metrics, logger,
	)
}

func provideLogCollector(
	cfg *config.LogCollectorConfig,
	occurrences repository.JobOccurrenceRepository,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *joblogs.Collector {
	return joblogs.New(joblogs.Config{
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval(),
	}, occurrences, metrics, logger)
}

func provideZombieDetector(
	cfg *config.ZombieConfig,
	healthCfg *config.WorkerHealthConfig,
	occurrences repository.JobOccurrenceRepository,
	scheduleClient schedule.Client,
	registry workers.Registry,
	sink events.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *zombie.Detector {
	return zombie.New(zombie.Config{
		CheckInterval:    cfg.CheckInterval(),
		QueuedTimeout:    cfg.ZombieTimeout(),
		HeartbeatTimeout: healthCfg.JobHeartbeatTimeout(),
	}, occurrences, scheduleClient, registry, sink, metrics, logger)
}

func provideDLQHandler(
	cfg *config.DispatcherConfig,
	occurrences repository.JobOccurrenceRepository,
	failed repository.FailedOccurrenceRepository,
	sink events.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *dlq.Handler {
	return dlq.New(dlq.Config{MaxRetries: cfg.MaxRetryAttempts},
		occurrences, failed, sink, metrics, logger)
}

func provideDiscoveryService(registry workers.Registry, logger *zap.Logger) *discovery.Service {
	return discovery.New(registry, logger)
}

// startComponents ties the component lifecycles to the fx app. The
// dispatcher starts last so recovery sees the consumers already draining
// status updates.
func startComponents(
	lc fx.Lifecycle,
	statusTracker *tracker.Tracker,
	logCollector *joblogs.Collector,
	detector *zombie.Detector,
	disp *dispatcher.Dispatcher,
) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			statusTracker.Start()
			logCollector.Start()
			detector.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			detector.Stop()
			logCollector.Stop()
			statusTracker.Stop()
			return nil
		},
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return disp.Start(ctx)
		},
		OnStop: func(context.Context) error {
			disp.Stop()
			return nil
		},
	})
}
