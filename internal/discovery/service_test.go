package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/resilience"
	"github.com/milvaion/milvaion/internal/workers"
)

func setupService(t *testing.T) (*Service, workers.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("test"), logger)
	reg := workers.NewRegistry(rdb, breaker, workers.Options{}, logger)
	return New(reg, logger), reg
}

func TestRegistrationMergesIntoRegistry(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()
	limit := 8
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{
		WorkerID:        "worker-1",
		InstanceID:      "inst-a",
		HostName:        "node-17",
		IPAddress:       "10.0.0.17",
		MaxParallelJobs: &limit,
		RoutingPatterns: map[string]string{"billing": "billing.*"},
		ConsumerConfigs: []bus.ConsumerConfig{{
			JobName:                 "billing",
			ConsumerID:              "billing-consumer",
			MaxParallelJobs:         2,
			ExecutionTimeoutSeconds: 300,
		}},
		RegisteredAt: now,
	}))

	worker, err := reg.Get(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, worker)
	require.NotNil(t, worker.Info.MaxParallelJobs)
	assert.Equal(t, 8, *worker.Info.MaxParallelJobs)
	assert.Equal(t, map[string]string{"billing": "billing.*"}, worker.Info.RoutingPatterns)
	assert.Equal(t, map[string]workers.JobConfig{"billing": {
		ConsumerID:              "billing-consumer",
		MaxParallelJobs:         2,
		ExecutionTimeoutSeconds: 300,
	}}, worker.Info.JobConfigs)
	require.Len(t, worker.Instances, 1)
	assert.Equal(t, "inst-a", worker.Instances[0].InstanceID)
	assert.Equal(t, "node-17", worker.Instances[0].HostName)
	assert.Equal(t, now.Unix(), worker.Instances[0].LastHeartbeat.Unix())
}

func TestRegistrationSecondInstanceMerges(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{
		WorkerID: "worker-1", InstanceID: "inst-a",
	}))
	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{
		WorkerID: "worker-1", InstanceID: "inst-b",
	}))

	worker, err := reg.Get(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, worker)
	assert.Len(t, worker.Instances, 2)
}

func TestRegistrationWithoutIdsDropped(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{InstanceID: "inst-a"}))
	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{WorkerID: "worker-1"}))

	worker, err := reg.Get(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, worker)
}

func TestHeartbeatRefreshesInstance(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{
		WorkerID: "worker-1", InstanceID: "inst-a",
		RegisteredAt: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, svc.HandleHeartbeat(ctx, &bus.HeartbeatMessage{
		WorkerID: "worker-1", InstanceID: "inst-a", CurrentJobs: 3,
	}))

	worker, err := reg.Get(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, worker.Instances, 1)
	assert.Equal(t, 3, worker.Instances[0].CurrentJobs)
	assert.WithinDuration(t, time.Now().UTC(), worker.Instances[0].LastHeartbeat, time.Minute)
}

func TestHeartbeatForUnknownTargetDropped(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	assert.NoError(t, svc.HandleHeartbeat(ctx, &bus.HeartbeatMessage{
		WorkerID: "ghost", InstanceID: "inst-a",
	}), "unknown worker warns instead of requeueing")

	require.NoError(t, svc.HandleRegistration(ctx, &bus.RegistrationMessage{
		WorkerID: "worker-1", InstanceID: "inst-a",
	}))
	assert.NoError(t, svc.HandleHeartbeat(ctx, &bus.HeartbeatMessage{
		WorkerID: "worker-1", InstanceID: "inst-z",
	}), "unknown instance warns instead of requeueing")
}
