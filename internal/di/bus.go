package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/discovery"
	"github.com/milvaion/milvaion/internal/dlq"
	"github.com/milvaion/milvaion/internal/joblogs"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/tracker"
)

// BusModule provides the AMQP connection, topology, publisher, queue
// inspector and the consumer group with all scheduler consumers attached.
var BusModule = fx.Module("bus",
	fx.Provide(
		provideConnection,
		provideTopology,
		providePublisher,
		provideQueueInspector,
		provideConsumerGroup,
	),
)

func provideConnection(lc fx.Lifecycle, cfg *config.BusConfig, metrics *observability.Metrics, logger *zap.Logger) (*bus.Connection, error) {
	conn, err := bus.Dial(bus.ConnectionConfig{
		URL:              cfg.URL,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
	}, logger)
	if err != nil {
		return nil, err
	}
	conn.SetReconnectCallback(func() {
		metrics.BusReconnects.Inc()
	})

	lc.Append(fx.StopHook(func() error {
		return conn.Close()
	}))
	return conn, nil
}

func provideTopology(cfg *config.BusConfig, conn *bus.Connection, logger *zap.Logger) (bus.Topology, error) {
	topology := bus.DefaultTopology()
	if cfg.Exchange != "" {
		topology.Exchange = cfg.Exchange
	}
	if cfg.Queues.StatusUpdates != "" {
		topology.StatusUpdates = cfg.Queues.StatusUpdates
	}
	if cfg.Queues.WorkerLogs != "" {
		topology.WorkerLogs = cfg.Queues.WorkerLogs
	}
	if cfg.Queues.Registration != "" {
		topology.Registration = cfg.Queues.Registration
	}
	if cfg.Queues.Heartbeat != "" {
		topology.Heartbeat = cfg.Queues.Heartbeat
	}
	if cfg.Queues.Failed != "" {
		topology.Failed = cfg.Queues.Failed
	}
	if cfg.Queues.JobQueuePrefix != "" {
		topology.JobQueuePrefix = cfg.Queues.JobQueuePrefix
	}

	ch, err := conn.Channel()
	if err != nil {
		return bus.Topology{}, err
	}
	defer ch.Close()
	if err := topology.Declare(ch); err != nil {
		return bus.Topology{}, err
	}
	logger.Info("Bus topology declared", zap.String("exchange", topology.Exchange))
	return topology, nil
}

func providePublisher(lc fx.Lifecycle, conn *bus.Connection, topology bus.Topology, cfg *config.BusConfig, logger *zap.Logger) *bus.Publisher {
	p := bus.NewPublisher(conn, topology.Exchange, cfg.PublishTimeout, logger)
	lc.Append(fx.StopHook(func() error {
		return p.Close()
	}))
	return p
}

func provideQueueInspector(conn *bus.Connection) *bus.QueueInspector {
	return bus.NewQueueInspector(conn)
}

func provideConsumerGroup(
	lc fx.Lifecycle,
	conn *bus.Connection,
	topology bus.Topology,
	cfg *config.BusConfig,
	statusTracker *tracker.Tracker,
	logCollector *joblogs.Collector,
	discoveryService *discovery.Service,
	dlqHandler *dlq.Handler,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *bus.ConsumerGroup {
	group := bus.NewConsumerGroup(conn, logger)
	group.SetRestartCallback(func() {
		metrics.ConsumerRestarts.Inc()
	})

	group.Add(bus.ConsumerSpec{
		Queue:    topology.StatusUpdates,
		Name:     "status-updates",
		Prefetch: cfg.Prefetch.StatusUpdates,
		Handler:  statusTracker.Handler(),
	})
	group.Add(bus.ConsumerSpec{
		Queue:    topology.WorkerLogs,
		Name:     "worker-logs",
		Prefetch: cfg.Prefetch.WorkerLogs,
		Handler:  logCollector.Handler(),
	})
	group.Add(bus.ConsumerSpec{
		Queue:    topology.Registration,
		Name:     "worker-registration",
		Prefetch: cfg.Prefetch.Registration,
		Handler:  discoveryService.RegistrationHandler(),
	})
	group.Add(bus.ConsumerSpec{
		Queue:    topology.Heartbeat,
		Name:     "worker-heartbeat",
		Prefetch: cfg.Prefetch.Heartbeat,
		Handler:  discoveryService.HeartbeatHandler(),
	})
	group.Add(bus.ConsumerSpec{
		Queue:          topology.Failed,
		Name:           "failed-occurrences",
		Prefetch:       cfg.Prefetch.Failed,
		RequeueOnError: true,
		Handler:        dlqHandler.Handler(),
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return group.Start(ctx)
		},
		OnStop: func(context.Context) error {
			group.Stop()
			return nil
		},
	})
	return group
}
