// Package schedule implements the Redis-backed scheduler client: the
// time-sorted job index, the cached job projections used at dispatch time,
// and the running markers behind the concurrency-policy gate.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/resilience"
)

// CachedJob is the projection of a ScheduledJob sufficient for dispatch.
// It deliberately omits the fire time: the sorted-set score is the single
// source of truth for executeAt and is overlaid by the dispatcher.
type CachedJob struct {
	ID                        string                   `json:"id"`
	DisplayName               string                   `json:"display_name"`
	JobNameInWorker           string                   `json:"job_name_in_worker"`
	WorkerID                  string                   `json:"worker_id,omitempty"`
	JobData                   string                   `json:"job_data,omitempty"`
	CronExpression            string                   `json:"cron_expression,omitempty"`
	IsActive                  bool                     `json:"is_active"`
	ConcurrentExecutionPolicy entity.ConcurrencyPolicy `json:"concurrent_execution_policy"`
	ExecutionTimeoutSeconds   int                      `json:"execution_timeout_seconds,omitempty"`
	ZombieTimeoutMinutes      *int                     `json:"zombie_timeout_minutes,omitempty"`
	RoutingPattern            string                   `json:"routing_pattern,omitempty"`
	Version                   int64                    `json:"version"`
}

// NewCachedJob builds the dispatch projection from a durable job row.
func NewCachedJob(job *entity.ScheduledJob) *CachedJob {
	return &CachedJob{
		ID:                        job.ID,
		DisplayName:               job.DisplayName,
		JobNameInWorker:           job.JobNameInWorker,
		WorkerID:                  job.WorkerID,
		JobData:                   job.JobData,
		CronExpression:            job.CronExpression,
		IsActive:                  job.IsActive,
		ConcurrentExecutionPolicy: job.ConcurrentExecutionPolicy,
		ExecutionTimeoutSeconds:   job.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:      job.ZombieTimeoutMinutes,
		RoutingPattern:            job.RoutingPattern,
		Version:                   job.Version,
	}
}

// IsRecurring reports whether the projected job reschedules from cron.
func (j *CachedJob) IsRecurring() bool {
	return j.CronExpression != ""
}

// EffectiveRoutingPattern mirrors entity.ScheduledJob.EffectiveRoutingPattern.
func (j *CachedJob) EffectiveRoutingPattern() string {
	if j.RoutingPattern != "" {
		return j.RoutingPattern
	}
	return j.JobNameInWorker + ".*"
}

// Client is the scheduler-side view of the key-value store. Every call
// runs through a circuit breaker; when the breaker is open calls fail
// fast with resilience.ErrCircuitOpen and the dispatcher skips the
// iteration.
type Client interface {
	// AddToScheduledSet puts the job into the time index at fireAt.
	AddToScheduledSet(ctx context.Context, jobID string, fireAt time.Time) error

	// RemoveFromScheduledSet removes the job from the time index. Idempotent.
	RemoveFromScheduledSet(ctx context.Context, jobID string) error

	// UpdateSchedule moves the job to a new fire time.
	UpdateSchedule(ctx context.Context, jobID string, newFireAt time.Time) error

	// GetDueJobs returns up to maxN job ids with fire time <= now, in
	// ascending fire-time order.
	GetDueJobs(ctx context.Context, now time.Time, maxN int64) ([]string, error)

	// GetScheduledTime returns the authoritative fire time for one job,
	// nil when the job is not in the index.
	GetScheduledTime(ctx context.Context, jobID string) (*time.Time, error)

	// GetScheduledTimesBulk returns fire times for all given ids in one
	// pipelined round trip. Ids absent from the index are missing from
	// the result.
	GetScheduledTimesBulk(ctx context.Context, jobIDs []string) (map[string]time.Time, error)

	// GetAllScheduled returns the whole index with fire times. Used by
	// startup recovery.
	GetAllScheduled(ctx context.Context) (map[string]time.Time, error)

	// CacheJobDetails stores the dispatch projection with a TTL.
	CacheJobDetails(ctx context.Context, job *CachedJob, ttl time.Duration) error

	// GetCachedJobsBulk returns cached projections for the given ids in
	// one pipelined round trip. Cache misses are missing from the result.
	GetCachedJobsBulk(ctx context.Context, jobIDs []string) (map[string]*CachedJob, error)

	// RemoveCachedJob evicts the projection. Idempotent.
	RemoveCachedJob(ctx context.Context, jobID string) error

	// TryMarkJobAsRunning atomically sets the running marker to the
	// correlation id. Returns false when another occurrence already holds
	// the marker.
	TryMarkJobAsRunning(ctx context.Context, jobID, correlationID string) (bool, error)

	// MarkJobAsCompleted clears the running marker. Idempotent.
	MarkJobAsCompleted(ctx context.Context, jobID string) error

	// GetRunningJobIDs returns which of the candidate jobs currently hold
	// a running marker, in one pipelined round trip.
	GetRunningJobIDs(ctx context.Context, candidateIDs []string) (map[string]bool, error)

	// PublishCancellation announces a user-initiated cancel on the
	// cancellation channel; workers subscribe and cooperate.
	PublishCancellation(ctx context.Context, correlationID string) error

	// Ping verifies store reachability.
	Ping(ctx context.Context) error
}

// Options tunes the Redis scheduler client.
type Options struct {
	KeyPrefix        string
	RunningMarkerTTL time.Duration
}

// DefaultOptions returns production defaults. The marker TTL must cover the
// longest expected execution so the gate never reports a live occurrence
// as finished.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:        "JobScheduler:",
		RunningMarkerTTL: time.Hour,
	}
}

type redisClient struct {
	rdb       *redis.Client
	keys      keys
	markerTTL time.Duration
	breaker   *resilience.CircuitBreaker
	logger    *zap.Logger
}

// NewClient creates the Redis scheduler client. All commands run through
// the given circuit breaker.
func NewClient(rdb *redis.Client, breaker *resilience.CircuitBreaker, opts Options, logger *zap.Logger) Client {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultOptions().KeyPrefix
	}
	if opts.RunningMarkerTTL <= 0 {
		opts.RunningMarkerTTL = DefaultOptions().RunningMarkerTTL
	}
	return &redisClient{
		rdb:       rdb,
		keys:      keys{prefix: opts.KeyPrefix},
		markerTTL: opts.RunningMarkerTTL,
		breaker:   breaker,
		logger:    logger.Named("schedule"),
	}
}

func (c *redisClient) AddToScheduledSet(ctx context.Context, jobID string, fireAt time.Time) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.ZAdd(ctx, c.keys.scheduledSet(), redis.Z{
			Score:  float64(fireAt.UTC().Unix()),
			Member: jobID,
		}).Err()
	})
}

func (c *redisClient) RemoveFromScheduledSet(ctx context.Context, jobID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.ZRem(ctx, c.keys.scheduledSet(), jobID).Err()
	})
}

func (c *redisClient) UpdateSchedule(ctx context.Context, jobID string, newFireAt time.Time) error {
	// ZADD overwrites the score of an existing member
	return c.AddToScheduledSet(ctx, jobID, newFireAt)
}

func (c *redisClient) GetDueJobs(ctx context.Context, now time.Time, maxN int64) ([]string, error) {
	var ids []string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		ids, err = c.rdb.ZRangeByScore(ctx, c.keys.scheduledSet(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    strconv.FormatInt(now.UTC().Unix(), 10),
			Offset: 0,
			Count:  maxN,
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *redisClient) GetScheduledTime(ctx context.Context, jobID string) (*time.Time, error) {
	var at *time.Time
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		score, err := c.rdb.ZScore(ctx, c.keys.scheduledSet(), jobID).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		t := time.Unix(int64(score), 0).UTC()
		at = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return at, nil
}

func (c *redisClient) GetScheduledTimesBulk(ctx context.Context, jobIDs []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		cmds := make([]*redis.FloatCmd, len(jobIDs))
		for i, id := range jobIDs {
			cmds[i] = pipe.ZScore(ctx, c.keys.scheduledSet(), id)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		for i, cmd := range cmds {
			score, err := cmd.Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			result[jobIDs[i]] = time.Unix(int64(score), 0).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *redisClient) GetAllScheduled(ctx context.Context) (map[string]time.Time, error) {
	result := make(map[string]time.Time)
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		entries, err := c.rdb.ZRangeWithScores(ctx, c.keys.scheduledSet(), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, z := range entries {
			id, ok := z.Member.(string)
			if !ok {
				continue
			}
			result[id] = time.Unix(int64(z.Score), 0).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *redisClient) CacheJobDetails(ctx context.Context, job *CachedJob, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize cached job: %w", err)
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, c.keys.job(job.ID), data, ttl).Err()
	})
}

func (c *redisClient) GetCachedJobsBulk(ctx context.Context, jobIDs []string) (map[string]*CachedJob, error) {
	result := make(map[string]*CachedJob, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(jobIDs))
		for i, id := range jobIDs {
			cmds[i] = pipe.Get(ctx, c.keys.job(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			var job CachedJob
			if err := json.Unmarshal(data, &job); err != nil {
				// A corrupt cache entry behaves like a miss; the
				// dispatcher refills from the store
				c.logger.Warn("Dropping corrupt cached job",
					zap.String("job_id", jobIDs[i]),
					zap.Error(err),
				)
				continue
			}
			result[jobIDs[i]] = &job
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *redisClient) RemoveCachedJob(ctx context.Context, jobID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, c.keys.job(jobID)).Err()
	})
}

func (c *redisClient) TryMarkJobAsRunning(ctx context.Context, jobID, correlationID string) (bool, error) {
	var marked bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		marked, err = c.rdb.SetNX(ctx, c.keys.running(jobID), correlationID, c.markerTTL).Result()
		return err
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

func (c *redisClient) MarkJobAsCompleted(ctx context.Context, jobID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, c.keys.running(jobID)).Err()
	})
}

func (c *redisClient) GetRunningJobIDs(ctx context.Context, candidateIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(candidateIDs))
	if len(candidateIDs) == 0 {
		return result, nil
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(candidateIDs))
		for i, id := range candidateIDs {
			cmds[i] = pipe.Exists(ctx, c.keys.running(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		for i, cmd := range cmds {
			n, err := cmd.Result()
			if err != nil {
				return err
			}
			if n > 0 {
				result[candidateIDs[i]] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *redisClient) PublishCancellation(ctx context.Context, correlationID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, c.keys.cancellationChannel(), correlationID).Err()
	})
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}
