// Package lock provides the per-job distributed lock that keeps competing
// scheduler instances from dispatching the same due job twice.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/resilience"
)

// releaseScript deletes the lock only when the caller still owns it, so a
// slow holder cannot release a lock that has expired and been reacquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Service hands out short-lived ownership of a job id.
type Service interface {
	// TryAcquire attempts to take the lock for jobID with the given TTL.
	// Returns (owner token, true) on success and ("", false) when another
	// instance holds the lock.
	TryAcquire(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error)

	// Release gives up the lock, but only if owner still matches the
	// stored token. Releasing an expired or stolen lock is a no-op.
	Release(ctx context.Context, jobID, owner string) error

	// Owner returns the current holder token, empty when unlocked.
	Owner(ctx context.Context, jobID string) (string, error)
}

// Options tunes the lock service.
type Options struct {
	KeyPrefix string
}

type redisLock struct {
	rdb     *redis.Client
	prefix  string
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewService creates a Redis-backed lock service sharing the scheduler's
// key prefix and circuit breaker.
func NewService(rdb *redis.Client, breaker *resilience.CircuitBreaker, opts Options, logger *zap.Logger) Service {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "JobScheduler:"
	}
	return &redisLock{
		rdb:     rdb,
		prefix:  opts.KeyPrefix,
		breaker: breaker,
		logger:  logger.Named("lock"),
	}
}

func (l *redisLock) key(jobID string) string {
	return l.prefix + "lock:" + jobID
}

func (l *redisLock) TryAcquire(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	owner := uuid.NewString()
	var acquired bool
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		acquired, err = l.rdb.SetNX(ctx, l.key(jobID), owner, ttl).Result()
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock for job %s: %w", jobID, err)
	}
	if !acquired {
		return "", false, nil
	}
	return owner, true, nil
}

func (l *redisLock) Release(ctx context.Context, jobID, owner string) error {
	var deleted int64
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		res, err := releaseScript.Run(ctx, l.rdb, []string{l.key(jobID)}, owner).Result()
		if err != nil {
			return err
		}
		if n, ok := res.(int64); ok {
			deleted = n
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release lock for job %s: %w", jobID, err)
	}
	if deleted == 0 {
		l.logger.Debug("Lock already expired or owned by another instance",
			zap.String("job_id", jobID),
		)
	}
	return nil
}

func (l *redisLock) Owner(ctx context.Context, jobID string) (string, error) {
	var owner string
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		val, err := l.rdb.Get(ctx, l.key(jobID)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		owner = val
		return nil
	})
	if err != nil {
		return "", err
	}
	return owner, nil
}
