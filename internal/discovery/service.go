// Package discovery keeps the worker registry current from registration
// and heartbeat messages.
package discovery

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/workers"
)

// Service translates bus announcements into registry writes.
type Service struct {
	registry workers.Registry
	logger   *zap.Logger

	// test seam
	now func() time.Time
}

// New wires a discovery service.
func New(registry workers.Registry, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		logger:   logger.Named("discovery"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegistrationHandler returns the bus handler for the registration queue.
func (s *Service) RegistrationHandler() bus.Handler {
	return bus.Typed(s.logger, func(ctx context.Context, msg *bus.RegistrationMessage, _ amqp.Delivery) error {
		return s.HandleRegistration(ctx, msg)
	})
}

// HeartbeatHandler returns the bus handler for the heartbeat queue.
func (s *Service) HeartbeatHandler() bus.Handler {
	return bus.Typed(s.logger, func(ctx context.Context, msg *bus.HeartbeatMessage, _ amqp.Delivery) error {
		return s.HandleHeartbeat(ctx, msg)
	})
}

// HandleRegistration merges one instance announcement into the registry.
// Incomplete announcements are dropped.
func (s *Service) HandleRegistration(ctx context.Context, msg *bus.RegistrationMessage) error {
	if msg.WorkerID == "" || msg.InstanceID == "" {
		s.logger.Warn("Dropping registration without worker or instance id",
			zap.String("worker_id", msg.WorkerID),
			zap.String("instance_id", msg.InstanceID),
		)
		return nil
	}

	jobConfigs := make(map[string]workers.JobConfig, len(msg.ConsumerConfigs))
	for _, cfg := range msg.ConsumerConfigs {
		if cfg.JobName == "" {
			continue
		}
		jobConfigs[cfg.JobName] = workers.JobConfig{
			ConsumerID:              cfg.ConsumerID,
			MaxParallelJobs:         cfg.MaxParallelJobs,
			ExecutionTimeoutSeconds: cfg.ExecutionTimeoutSeconds,
		}
	}

	registeredAt := msg.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = s.now()
	}

	err := s.registry.Register(ctx, workers.Registration{
		Info: workers.WorkerInfo{
			WorkerID:        msg.WorkerID,
			MaxParallelJobs: msg.MaxParallelJobs,
			RoutingPatterns: msg.RoutingPatterns,
			JobConfigs:      jobConfigs,
			Metadata:        msg.Metadata,
			Version:         msg.Version,
		},
		Instance: workers.InstanceInfo{
			InstanceID:    msg.InstanceID,
			HostName:      msg.HostName,
			IPAddress:     msg.IPAddress,
			LastHeartbeat: registeredAt,
			RegisteredAt:  registeredAt,
			Status:        "Online",
		},
	})
	if err != nil {
		return err
	}

	s.logger.Info("Worker instance registered",
		zap.String("worker_id", msg.WorkerID),
		zap.String("instance_id", msg.InstanceID),
		zap.String("host", msg.HostName),
		zap.Int("consumer_configs", len(jobConfigs)),
	)
	return nil
}

// HandleHeartbeat refreshes one instance's liveness. Heartbeats for
// targets that never registered are warned about and dropped; there is
// no implicit registration.
func (s *Service) HandleHeartbeat(ctx context.Context, msg *bus.HeartbeatMessage) error {
	if msg.WorkerID == "" || msg.InstanceID == "" {
		return nil
	}

	err := s.registry.UpdateHeartbeat(ctx, msg.WorkerID, msg.InstanceID, msg.CurrentJobs)
	if errors.Is(err, workers.ErrUnknownWorker) || errors.Is(err, workers.ErrUnknownInstance) {
		s.logger.Warn("Heartbeat for unregistered target, dropping",
			zap.String("worker_id", msg.WorkerID),
			zap.String("instance_id", msg.InstanceID),
			zap.Error(err),
		)
		return nil
	}
	return err
}
