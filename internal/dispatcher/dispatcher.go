// Package dispatcher runs the scheduling loop: it pulls due jobs from the
// time index, applies the dispatch gates, mints occurrences, publishes
// them to the bus and reschedules recurring jobs.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/control"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/lock"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/resilience"
	"github.com/milvaion/milvaion/internal/schedule"
	apperrors "github.com/milvaion/milvaion/pkg/errors"
)

// Publisher is the slice of the bus publisher the dispatcher needs.
type Publisher interface {
	PublishDispatch(ctx context.Context, msg *bus.DispatchMessage, routingKey string, maxRetries int) error
}

// QueueDepther reports pending-message counts for the Skip-policy gate.
type QueueDepther interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// WorkerRegistry is the slice of the worker registry the gates consult.
type WorkerRegistry interface {
	IsActive(ctx context.Context, workerID string, threshold time.Duration) (bool, error)
	WorkerCapacity(ctx context.Context, workerID string) (current int, max *int, err error)
	ConsumerCapacity(ctx context.Context, workerID, jobName string) (current int, limit *int, err error)
}

// Config tunes the dispatch loop.
type Config struct {
	PollingInterval        time.Duration
	BatchSize              int
	LockTTL                time.Duration
	EnableStartupRecovery  bool
	MaxRetryAttempts       int
	PublishConcurrency     int
	MaxConsecutiveFailures int
	FailureBackoff         time.Duration
	CacheTTL               time.Duration
	RecoveryGracePeriod    time.Duration
	WorkerHeartbeatTimeout time.Duration
}

// Dispatcher owns the dispatch loop goroutine.
type Dispatcher struct {
	cfg         Config
	schedule    schedule.Client
	locks       lock.Service
	registry    WorkerRegistry
	publisher   Publisher
	depths      QueueDepther
	jobs        repository.ScheduledJobRepository
	occurrences repository.JobOccurrenceRepository
	store       repository.HealthChecker
	state       *control.State
	sink        events.Sink
	metrics     *observability.Metrics
	topology    bus.Topology
	logger      *zap.Logger

	consecutiveFailures int

	cancel context.CancelFunc
	done   chan struct{}

	// test seam
	now func() time.Time
}

// New wires a dispatcher. Start launches the loop.
func New(
	cfg Config,
	scheduleClient schedule.Client,
	locks lock.Service,
	registry WorkerRegistry,
	publisher Publisher,
	depths QueueDepther,
	jobs repository.ScheduledJobRepository,
	occurrences repository.JobOccurrenceRepository,
	store repository.HealthChecker,
	state *control.State,
	sink events.Sink,
	metrics *observability.Metrics,
	topology bus.Topology,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishConcurrency <= 0 {
		cfg.PublishConcurrency = 4
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	return &Dispatcher{
		cfg:         cfg,
		schedule:    scheduleClient,
		locks:       locks,
		registry:    registry,
		publisher:   publisher,
		depths:      depths,
		jobs:        jobs,
		occurrences: occurrences,
		store:       store,
		state:       state,
		sink:        sink,
		metrics:     metrics,
		topology:    topology,
		logger:      logger.Named("dispatcher"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start runs startup recovery when enabled, then launches the loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.cfg.EnableStartupRecovery {
		if err := d.RunRecovery(ctx); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(loopCtx)
	d.logger.Info("Dispatcher started",
		zap.Duration("polling_interval", d.cfg.PollingInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
	)
	return nil
}

// Stop ends the loop and waits for the in-flight iteration.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunIteration(ctx); err != nil {
				d.consecutiveFailures++
				// Transient failures are dependency outages expected to
				// self-heal; they still count toward the backoff
				level := zap.ErrorLevel
				if apperrors.IsTransient(err) {
					level = zap.WarnLevel
				}
				d.logger.Log(level, "Dispatch iteration failed",
					zap.Int("consecutive_failures", d.consecutiveFailures),
					zap.Error(err),
				)
				if d.consecutiveFailures >= d.cfg.MaxConsecutiveFailures {
					d.logger.Warn("Too many consecutive failures, backing off",
						zap.Duration("backoff", d.cfg.FailureBackoff),
					)
					select {
					case <-ctx.Done():
						return
					case <-time.After(d.cfg.FailureBackoff):
					}
					d.consecutiveFailures = 0
				}
			} else {
				d.consecutiveFailures = 0
			}
		}
	}
}

// RunIteration executes one dispatch pass.
func (d *Dispatcher) RunIteration(ctx context.Context) error {
	if d.metrics != nil {
		d.metrics.DispatchIterations.Inc()
	}
	if d.state != nil && d.state.EmergencyStopped() {
		d.logger.Debug("Emergency stop engaged, skipping iteration")
		return nil
	}

	now := d.now()
	dueIDs, err := d.schedule.GetDueJobs(ctx, now, int64(d.cfg.BatchSize))
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			d.logger.Warn("Store index unavailable, skipping iteration")
			return nil
		}
		return err
	}

	if len(dueIDs) > 0 {
		if d.metrics != nil {
			d.metrics.DueJobs.Add(float64(len(dueIDs)))
		}
		if err := d.dispatchDue(ctx, dueIDs, now); err != nil {
			return err
		}
	}

	return d.sweepRetries(ctx, now)
}

// dispatchDue loads projections, applies gates, mints occurrences and
// publishes them.
func (d *Dispatcher) dispatchDue(ctx context.Context, dueIDs []string, now time.Time) error {
	projections, err := d.loadProjections(ctx, dueIDs)
	if err != nil {
		return err
	}
	if len(projections) == 0 {
		return nil
	}

	fireTimes, err := d.schedule.GetScheduledTimesBulk(ctx, dueIDs)
	if err != nil {
		return err
	}
	running, err := d.schedule.GetRunningJobIDs(ctx, dueIDs)
	if err != nil {
		return err
	}

	var dispatchable []*schedule.CachedJob
	for _, id := range dueIDs {
		job, ok := projections[id]
		if !ok {
			continue
		}
		pass, err := d.applyGates(ctx, job, running[job.ID], now)
		if err != nil {
			d.logger.Warn("Gate evaluation failed, deferring job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		if pass {
			dispatchable = append(dispatchable, job)
		}
	}
	if len(dispatchable) == 0 {
		return nil
	}

	occurrences := d.mintOccurrences(dispatchable, fireTimes, now)
	occurrences, dispatchable, err = d.insertWithPurgeRetry(ctx, occurrences, dispatchable)
	if err != nil {
		return err
	}
	if len(occurrences) == 0 {
		return nil
	}

	if d.sink != nil {
		d.sink.Publish(events.New(events.TypeOccurrencesCreated, events.TopicOccurrences, map[string]any{
			"count":   len(occurrences),
			"job_ids": jobIDsOf(dispatchable),
		}))
	}

	d.publishAll(ctx, occurrences, dispatchable, fireTimes, now)
	return nil
}

// loadProjections resolves due ids to cached projections, filling misses
// from the store and purging index entries whose job row is gone.
func (d *Dispatcher) loadProjections(ctx context.Context, dueIDs []string) (map[string]*schedule.CachedJob, error) {
	projections, err := d.schedule.GetCachedJobsBulk(ctx, dueIDs)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range dueIDs {
		if _, ok := projections[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return projections, nil
	}

	rows, err := d.jobs.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(rows))
	for _, row := range rows {
		found[row.ID] = true
		projection := schedule.NewCachedJob(row)
		projections[row.ID] = projection
		if err := d.schedule.CacheJobDetails(ctx, projection, d.cfg.CacheTTL); err != nil {
			d.logger.Warn("Failed to cache job projection",
				zap.String("job_id", row.ID),
				zap.Error(err),
			)
		}
	}

	// Index entries with no backing row are phantoms of deleted jobs
	for _, id := range missing {
		if found[id] {
			continue
		}
		d.logger.Info("Purging index entry for deleted job", zap.String("job_id", id))
		if err := d.schedule.RemoveFromScheduledSet(ctx, id); err != nil {
			d.logger.Warn("Failed to purge phantom index entry",
				zap.String("job_id", id),
				zap.Error(err),
			)
		}
		_ = d.schedule.RemoveCachedJob(ctx, id)
	}
	return projections, nil
}

// applyGates decides whether a due job may dispatch now. Recurring jobs
// that are gated reschedule to their next fire time; one-shot jobs stay
// due and are re-evaluated next tick.
func (d *Dispatcher) applyGates(ctx context.Context, job *schedule.CachedJob, isRunning bool, now time.Time) (bool, error) {
	if !job.IsActive {
		d.logger.Info("Removing inactive job from index", zap.String("job_id", job.ID))
		if err := d.schedule.RemoveFromScheduledSet(ctx, job.ID); err != nil {
			return false, err
		}
		_ = d.schedule.RemoveCachedJob(ctx, job.ID)
		return false, nil
	}

	if job.ConcurrentExecutionPolicy == entity.PolicySkip {
		skip := isRunning
		if !skip {
			// A message still waiting in the job queue counts as an
			// in-flight occurrence the worker has not picked up yet
			depth, err := d.depths.Depth(ctx, d.topology.JobQueue(job.JobNameInWorker))
			if err != nil {
				d.logger.Warn("Queue depth check failed, assuming empty",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
			} else if depth > 0 {
				skip = true
			}
		}
		if skip {
			d.logger.Debug("Skipping job with in-flight occurrence",
				zap.String("job_id", job.ID),
			)
			return false, d.rescheduleGated(ctx, job, now)
		}
	}

	if job.WorkerID != "" {
		ok, err := d.workerHasCapacity(ctx, job)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, d.rescheduleGated(ctx, job, now)
		}
	}
	return true, nil
}

func (d *Dispatcher) workerHasCapacity(ctx context.Context, job *schedule.CachedJob) (bool, error) {
	active, err := d.registry.IsActive(ctx, job.WorkerID, d.cfg.WorkerHeartbeatTimeout)
	if err != nil {
		return false, err
	}
	if !active {
		d.logger.Warn("Target worker inactive, deferring job",
			zap.String("job_id", job.ID),
			zap.String("worker_id", job.WorkerID),
		)
		return false, nil
	}

	current, max, err := d.registry.WorkerCapacity(ctx, job.WorkerID)
	if err != nil {
		return false, err
	}
	if max != nil && current >= *max {
		d.logger.Debug("Worker at capacity, deferring job",
			zap.String("job_id", job.ID),
			zap.String("worker_id", job.WorkerID),
			zap.Int("current", current),
			zap.Int("max", *max),
		)
		return false, nil
	}

	consumerCurrent, limit, err := d.registry.ConsumerCapacity(ctx, job.WorkerID, job.JobNameInWorker)
	if err != nil {
		return false, err
	}
	if limit != nil && consumerCurrent >= *limit {
		d.logger.Debug("Consumer at capacity, deferring job",
			zap.String("job_id", job.ID),
			zap.String("job_name", job.JobNameInWorker),
			zap.Int("current", consumerCurrent),
			zap.Int("limit", *limit),
		)
		return false, nil
	}
	return true, nil
}

// rescheduleGated moves a gated recurring job to its next fire time so it
// does not stay permanently due. One-shot jobs keep their slot and retry
// next tick.
func (d *Dispatcher) rescheduleGated(ctx context.Context, job *schedule.CachedJob, now time.Time) error {
	if !job.IsRecurring() {
		return nil
	}
	return d.rescheduleRecurring(ctx, job, now)
}

// rescheduleRecurring advances a recurring job in the index. An
// unparseable expression, or one that parses but never fires again
// (cron reports no next activation), removes the job from index and
// cache; the job row stays untouched for the operator to fix.
func (d *Dispatcher) rescheduleRecurring(ctx context.Context, job *schedule.CachedJob, now time.Time) error {
	next, err := NextAfter(job.CronExpression, now)
	if err != nil {
		d.logger.Error("Removing job with invalid cron expression from index",
			zap.String("job_id", job.ID),
			zap.String("cron", job.CronExpression),
			zap.Error(err),
		)
		return d.removeFromSchedule(ctx, job.ID)
	}
	if next.IsZero() {
		d.logger.Warn("Cron expression has no future activation, removing job from index",
			zap.String("job_id", job.ID),
			zap.String("cron", job.CronExpression),
		)
		return d.removeFromSchedule(ctx, job.ID)
	}
	return d.schedule.UpdateSchedule(ctx, job.ID, next)
}

func (d *Dispatcher) removeFromSchedule(ctx context.Context, jobID string) error {
	if err := d.schedule.RemoveFromScheduledSet(ctx, jobID); err != nil {
		return err
	}
	_ = d.schedule.RemoveCachedJob(ctx, jobID)
	return nil
}

// mintOccurrences creates Queued occurrence rows for the dispatchable set.
func (d *Dispatcher) mintOccurrences(jobs []*schedule.CachedJob, fireTimes map[string]time.Time, now time.Time) []*entity.JobOccurrence {
	occurrences := make([]*entity.JobOccurrence, 0, len(jobs))
	for _, job := range jobs {
		occ := &entity.JobOccurrence{
			ID:         entity.NewTimeOrderedID(),
			JobID:      job.ID,
			JobName:    job.JobNameInWorker,
			JobVersion: job.Version,
			WorkerID:   job.WorkerID,
			Status:     entity.StatusQueued,
			CreatedAt:  now,
		}
		if job.ZombieTimeoutMinutes != nil {
			timeout := *job.ZombieTimeoutMinutes
			occ.ZombieTimeoutMinutes = &timeout
		}
		if job.ExecutionTimeoutSeconds > 0 {
			timeout := job.ExecutionTimeoutSeconds
			occ.ExecutionTimeoutSeconds = &timeout
		}
		scheduledFor := now
		if at, ok := fireTimes[job.ID]; ok {
			scheduledFor = at
		}
		occ.Logs = append(occ.Logs, entity.LogEntry{
			Timestamp: now,
			Level:     "Information",
			Message:   "Occurrence created, scheduled for " + scheduledFor.Format(time.RFC3339),
		})
		occurrences = append(occurrences, occ)
	}
	return occurrences
}

// insertWithPurgeRetry bulk-inserts occurrences. A foreign-key violation
// means a job row was deleted between index read and insert: the phantom
// jobs are purged and the insert retried once.
func (d *Dispatcher) insertWithPurgeRetry(
	ctx context.Context,
	occurrences []*entity.JobOccurrence,
	jobs []*schedule.CachedJob,
) ([]*entity.JobOccurrence, []*schedule.CachedJob, error) {
	err := d.occurrences.BulkInsert(ctx, occurrences)
	if err == nil {
		return occurrences, jobs, nil
	}
	if !isForeignKeyViolation(err) {
		return nil, nil, err
	}

	jobIDs := jobIDsOf(jobs)
	existing, ferr := d.jobs.FilterExistingIDs(ctx, jobIDs)
	if ferr != nil {
		return nil, nil, ferr
	}
	exists := make(map[string]bool, len(existing))
	for _, id := range existing {
		exists[id] = true
	}

	var keptOccurrences []*entity.JobOccurrence
	var keptJobs []*schedule.CachedJob
	for i, occ := range occurrences {
		if exists[occ.JobID] {
			keptOccurrences = append(keptOccurrences, occ)
			keptJobs = append(keptJobs, jobs[i])
			continue
		}
		d.logger.Info("Dropping occurrence for deleted job",
			zap.String("job_id", occ.JobID),
		)
		if remErr := d.schedule.RemoveFromScheduledSet(ctx, occ.JobID); remErr != nil {
			d.logger.Warn("Failed to purge deleted job from index",
				zap.String("job_id", occ.JobID),
				zap.Error(remErr),
			)
		}
		_ = d.schedule.RemoveCachedJob(ctx, occ.JobID)
	}
	if len(keptOccurrences) == 0 {
		return nil, nil, nil
	}
	if err := d.occurrences.BulkInsert(ctx, keptOccurrences); err != nil {
		return nil, nil, err
	}
	return keptOccurrences, keptJobs, nil
}

// publishAll fans the freshly minted occurrences out to the bus with
// bounded parallelism.
func (d *Dispatcher) publishAll(
	ctx context.Context,
	occurrences []*entity.JobOccurrence,
	jobs []*schedule.CachedJob,
	fireTimes map[string]time.Time,
	now time.Time,
) {
	semaphore := make(chan struct{}, d.cfg.PublishConcurrency)
	var wg sync.WaitGroup
	for i := range occurrences {
		occ, job := occurrences[i], jobs[i]
		semaphore <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-semaphore }()
			d.dispatchOne(ctx, occ, job, fireTimes[job.ID], now)
		}()
	}
	wg.Wait()
}

func jobIDsOf(jobs []*schedule.CachedJob) []string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}
