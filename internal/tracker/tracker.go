// Package tracker consumes worker status updates and applies them to
// occurrence rows in batches: dedupe, state-machine transitions, consumer
// counters, marker sync and the per-job auto-disable breaker.
package tracker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/observability"
)

// MarkerClient is the slice of the schedule client the tracker needs for
// running markers and disable cleanup.
type MarkerClient interface {
	TryMarkJobAsRunning(ctx context.Context, jobID, correlationID string) (bool, error)
	MarkJobAsCompleted(ctx context.Context, jobID string) error
	RemoveFromScheduledSet(ctx context.Context, jobID string) error
	RemoveCachedJob(ctx context.Context, jobID string) error
}

// ConsumerCounters is the slice of the worker registry the tracker
// maintains.
type ConsumerCounters interface {
	IncrementConsumerJobs(ctx context.Context, workerID, jobName string) error
	DecrementConsumerJobs(ctx context.Context, workerID, jobName string) error
}

// Config tunes batching and the marker-sync budget.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	MarkerBudget  time.Duration
}

// AutoDisableConfig carries the global failure-breaker defaults.
type AutoDisableConfig struct {
	Enabled       bool
	Threshold     int
	FailureWindow time.Duration
}

// Tracker owns the status-updates batcher.
type Tracker struct {
	cfg         Config
	autoCfg     AutoDisableConfig
	markers     MarkerClient
	counters    ConsumerCounters
	occurrences repository.JobOccurrenceRepository
	jobs        repository.ScheduledJobRepository
	sink        events.Sink
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu    sync.Mutex
	queue []*bus.StatusUpdateMessage

	cancel context.CancelFunc
	done   chan struct{}

	// test seam
	now func() time.Time
}

// New wires a tracker. Start launches the flush loop.
func New(
	cfg Config,
	autoCfg AutoDisableConfig,
	markers MarkerClient,
	counters ConsumerCounters,
	occurrences repository.JobOccurrenceRepository,
	jobs repository.ScheduledJobRepository,
	sink events.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.MarkerBudget <= 0 {
		cfg.MarkerBudget = 3 * time.Second
	}
	return &Tracker{
		cfg:         cfg,
		autoCfg:     autoCfg,
		markers:     markers,
		counters:    counters,
		occurrences: occurrences,
		jobs:        jobs,
		sink:        sink,
		metrics:     metrics,
		logger:      logger.Named("tracker"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the bus handler for the status-updates queue.
func (t *Tracker) Handler() bus.Handler {
	return bus.Typed(t.logger, func(ctx context.Context, msg *bus.StatusUpdateMessage, _ amqp.Delivery) error {
		t.Enqueue(ctx, msg)
		return nil
	})
}

// Enqueue takes one status update into the batch. A Running update marks
// the job's running marker eagerly so the dispatcher's concurrency gate
// closes before the batch flushes.
func (t *Tracker) Enqueue(ctx context.Context, msg *bus.StatusUpdateMessage) {
	if t.metrics != nil {
		t.metrics.StatusUpdates.Inc()
	}

	if entity.OccurrenceStatus(msg.Status) == entity.StatusRunning && msg.JobID != "" {
		if _, err := t.markers.TryMarkJobAsRunning(ctx, msg.JobID, msg.CorrelationID); err != nil {
			t.logger.Warn("Eager running-marker set failed",
				zap.String("job_id", msg.JobID),
				zap.String("correlation_id", msg.CorrelationID),
				zap.Error(err),
			)
		}
	}

	t.mu.Lock()
	t.queue = append(t.queue, msg)
	full := len(t.queue) >= t.cfg.BatchSize
	t.mu.Unlock()

	if full {
		t.Flush(ctx)
	}
}

// Start launches the periodic flush loop.
func (t *Tracker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx)
	t.logger.Info("Status tracker started",
		zap.Int("batch_size", t.cfg.BatchSize),
		zap.Duration("batch_interval", t.cfg.BatchInterval),
	)
}

// Stop ends the loop after a final flush.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.Flush(context.Background())
	t.logger.Info("Status tracker stopped")
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush drains the batch and applies it.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	started := time.Now()
	if err := t.applyBatch(ctx, batch); err != nil {
		t.logger.Error("Status batch apply failed, re-queueing",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		// Put the batch back so the next flush retries it
		t.mu.Lock()
		t.queue = append(batch, t.queue...)
		t.mu.Unlock()
		return
	}
	if t.metrics != nil {
		t.metrics.FlushSize.Observe(float64(len(batch)))
		t.metrics.FlushDuration.Observe(time.Since(started).Seconds())
	}
}
