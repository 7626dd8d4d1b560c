// Package workers tracks worker fleets in Redis: the per-worker aggregate
// hash with one instance field per process, plus per-consumer job counters
// used for capacity decisions.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/resilience"
)

var (
	// ErrUnknownWorker is returned when a heartbeat targets a worker that
	// never registered. Callers warn and drop; registration is never
	// implied by a heartbeat.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrUnknownInstance is returned when a heartbeat targets a worker
	// instance that never registered.
	ErrUnknownInstance = errors.New("unknown worker instance")
)

// workerKeyTTL ages out aggregates of fleets that stopped writing.
const workerKeyTTL = 24 * time.Hour

// decrScript decrements a consumer counter without letting it go below
// zero, so a duplicate final-status delivery cannot corrupt capacity math.
var decrScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
	redis.call("SET", KEYS[1], "0", "EX", ARGV[1])
	return 0
end
local v = redis.call("DECR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[1])
return v
`)

// JobConfig is the declared consumer for one job name.
type JobConfig struct {
	ConsumerID              string `json:"consumerId,omitempty"`
	MaxParallelJobs         int    `json:"maxParallelJobs"`
	ExecutionTimeoutSeconds int    `json:"executionTimeoutSeconds,omitempty"`
}

// WorkerInfo is the fleet-wide half of the aggregate, written at
// registration and shared by all instances. RoutingPatterns maps job
// names to the binding patterns the worker declared for them.
type WorkerInfo struct {
	WorkerID        string               `json:"workerId"`
	MaxParallelJobs *int                 `json:"maxParallelJobs,omitempty"`
	RoutingPatterns map[string]string    `json:"routingPatterns,omitempty"`
	JobConfigs      map[string]JobConfig `json:"jobConfigs,omitempty"`
	Metadata        map[string]string    `json:"metadata,omitempty"`
	Version         string               `json:"version,omitempty"`
}

// InstanceInfo is the per-process half of the aggregate, refreshed by
// heartbeats.
type InstanceInfo struct {
	InstanceID    string    `json:"instanceId"`
	HostName      string    `json:"hostName,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	CurrentJobs   int       `json:"currentJobs"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	RegisteredAt  time.Time `json:"registeredAt"`
	Status        string    `json:"status,omitempty"`
}

// Registration is the payload merged into the aggregate when an instance
// announces itself.
type Registration struct {
	Info     WorkerInfo
	Instance InstanceInfo
}

// Worker is a read snapshot of one aggregate.
type Worker struct {
	Info      WorkerInfo
	Instances []InstanceInfo
}

// Registry is the Redis-backed worker registry.
type Registry interface {
	// Register merges an instance into the worker aggregate, creating the
	// aggregate when absent. Idempotent.
	Register(ctx context.Context, reg Registration) error

	// UpdateHeartbeat refreshes one instance's liveness and job count.
	// Returns ErrUnknownWorker / ErrUnknownInstance when the target never
	// registered.
	UpdateHeartbeat(ctx context.Context, workerID, instanceID string, currentJobs int) error

	// IsActive reports whether any instance heartbeated within threshold.
	IsActive(ctx context.Context, workerID string, threshold time.Duration) (bool, error)

	// WorkerCapacity returns current jobs summed across instances and the
	// fleet max; max is nil when the worker declared no limit.
	WorkerCapacity(ctx context.Context, workerID string) (current int, max *int, err error)

	// ConsumerCapacity returns the per-job counter and the declared limit
	// for jobName; limit is nil when the job declared no positive limit.
	ConsumerCapacity(ctx context.Context, workerID, jobName string) (current int, limit *int, err error)

	// IncrementConsumerJobs bumps the per-job counter when an occurrence
	// enters Running.
	IncrementConsumerJobs(ctx context.Context, workerID, jobName string) error

	// DecrementConsumerJobs lowers the per-job counter when an occurrence
	// leaves Running for a final status; floored at zero.
	DecrementConsumerJobs(ctx context.Context, workerID, jobName string) error

	// Get returns a snapshot of one aggregate, nil when absent. Used by
	// the zombie detector to embed worker context in exceptions.
	Get(ctx context.Context, workerID string) (*Worker, error)
}

// Options tunes the registry.
type Options struct {
	KeyPrefix string
}

type redisRegistry struct {
	rdb     *redis.Client
	prefix  string
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewRegistry creates a Redis-backed registry sharing the scheduler's key
// prefix and circuit breaker.
func NewRegistry(rdb *redis.Client, breaker *resilience.CircuitBreaker, opts Options, logger *zap.Logger) Registry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "JobScheduler:"
	}
	return &redisRegistry{
		rdb:     rdb,
		prefix:  opts.KeyPrefix,
		breaker: breaker,
		logger:  logger.Named("workers"),
	}
}

func (r *redisRegistry) workerKey(workerID string) string {
	return r.prefix + "worker:" + workerID
}

func (r *redisRegistry) consumerKey(workerID, jobName string) string {
	return r.prefix + "consumer:" + workerID + ":" + jobName
}

func instanceField(instanceID string) string {
	return "instance:" + instanceID
}

func (r *redisRegistry) Register(ctx context.Context, reg Registration) error {
	infoJSON, err := json.Marshal(reg.Info)
	if err != nil {
		return fmt.Errorf("failed to serialize worker info: %w", err)
	}
	instJSON, err := json.Marshal(reg.Instance)
	if err != nil {
		return fmt.Errorf("failed to serialize instance info: %w", err)
	}
	key := r.workerKey(reg.Info.WorkerID)
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := r.rdb.Pipeline()
		pipe.HSet(ctx, key, "info", infoJSON, instanceField(reg.Instance.InstanceID), instJSON)
		pipe.Expire(ctx, key, workerKeyTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *redisRegistry) UpdateHeartbeat(ctx context.Context, workerID, instanceID string, currentJobs int) error {
	key := r.workerKey(workerID)
	field := instanceField(instanceID)
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		exists, err := r.rdb.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrUnknownWorker
		}
		raw, err := r.rdb.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return ErrUnknownInstance
		}
		if err != nil {
			return err
		}
		var inst InstanceInfo
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			return fmt.Errorf("failed to decode instance %s of worker %s: %w", instanceID, workerID, err)
		}
		inst.CurrentJobs = currentJobs
		inst.LastHeartbeat = time.Now().UTC()
		updated, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to serialize instance info: %w", err)
		}
		pipe := r.rdb.Pipeline()
		pipe.HSet(ctx, key, field, updated)
		pipe.Expire(ctx, key, workerKeyTTL)
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *redisRegistry) IsActive(ctx context.Context, workerID string, threshold time.Duration) (bool, error) {
	worker, err := r.Get(ctx, workerID)
	if err != nil {
		return false, err
	}
	if worker == nil {
		return false, nil
	}
	cutoff := time.Now().Add(-threshold)
	for _, inst := range worker.Instances {
		if inst.LastHeartbeat.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (r *redisRegistry) WorkerCapacity(ctx context.Context, workerID string) (int, *int, error) {
	worker, err := r.Get(ctx, workerID)
	if err != nil {
		return 0, nil, err
	}
	if worker == nil {
		return 0, nil, nil
	}
	current := 0
	for _, inst := range worker.Instances {
		current += inst.CurrentJobs
	}
	return current, worker.Info.MaxParallelJobs, nil
}

func (r *redisRegistry) ConsumerCapacity(ctx context.Context, workerID, jobName string) (int, *int, error) {
	var current int
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		val, err := r.rdb.Get(ctx, r.consumerKey(workerID, jobName)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		n, convErr := strconv.Atoi(val)
		if convErr != nil {
			return fmt.Errorf("corrupt consumer counter for %s/%s: %w", workerID, jobName, convErr)
		}
		current = n
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	worker, err := r.Get(ctx, workerID)
	if err != nil {
		return 0, nil, err
	}
	var limit *int
	if worker != nil {
		if cfg, ok := worker.Info.JobConfigs[jobName]; ok && cfg.MaxParallelJobs > 0 {
			max := cfg.MaxParallelJobs
			limit = &max
		}
	}
	return current, limit, nil
}

func (r *redisRegistry) IncrementConsumerJobs(ctx context.Context, workerID, jobName string) error {
	key := r.consumerKey(workerID, jobName)
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := r.rdb.Pipeline()
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, workerKeyTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *redisRegistry) DecrementConsumerJobs(ctx context.Context, workerID, jobName string) error {
	key := r.consumerKey(workerID, jobName)
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		ttlSeconds := strconv.Itoa(int(workerKeyTTL.Seconds()))
		return decrScript.Run(ctx, r.rdb, []string{key}, ttlSeconds).Err()
	})
}

func (r *redisRegistry) Get(ctx context.Context, workerID string) (*Worker, error) {
	var worker *Worker
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		fields, err := r.rdb.HGetAll(ctx, r.workerKey(workerID)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		w := &Worker{}
		for field, raw := range fields {
			switch {
			case field == "info":
				if err := json.Unmarshal([]byte(raw), &w.Info); err != nil {
					return fmt.Errorf("failed to decode info for worker %s: %w", workerID, err)
				}
			case strings.HasPrefix(field, "instance:"):
				var inst InstanceInfo
				if err := json.Unmarshal([]byte(raw), &inst); err != nil {
					r.logger.Warn("Skipping corrupt instance record",
						zap.String("worker_id", workerID),
						zap.String("field", field),
						zap.Error(err),
					)
					continue
				}
				w.Instances = append(w.Instances, inst)
			}
		}
		worker = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}
