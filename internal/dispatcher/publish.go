package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/schedule"
)

const (
	publishBackoffBase = 30 * time.Second
	publishBackoffCap  = 120 * time.Second
)

func isForeignKeyViolation(err error) bool {
	return errors.Is(err, gorm.ErrForeignKeyViolated)
}

// publishBackoff returns the wait before retry number attempt, where
// attempt is the post-increment retry count: 30, 60, 120, 120 s.
func publishBackoff(attempt int) time.Duration {
	backoff := publishBackoffBase << (attempt - 1)
	if backoff > publishBackoffCap || backoff <= 0 {
		return publishBackoffCap
	}
	return backoff
}

// dispatchOne publishes one occurrence under the per-job lock, then
// reschedules the job before the lock is released so another instance
// cannot see the stale fire time.
func (d *Dispatcher) dispatchOne(
	ctx context.Context,
	occ *entity.JobOccurrence,
	job *schedule.CachedJob,
	fireAt time.Time,
	now time.Time,
) {
	owner, acquired, err := d.locks.TryAcquire(ctx, job.ID, d.cfg.LockTTL)
	if err != nil {
		d.logger.Warn("Lock acquisition failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		d.deferOccurrence(ctx, occ, now, d.cfg.PollingInterval)
		return
	}
	if !acquired {
		// Another instance holds the lock, so it is dispatching this fire
		// time right now. Retrying our occurrence later would execute the
		// job twice; fail it instead.
		if d.metrics != nil {
			d.metrics.LockContention.Inc()
		}
		d.logger.Debug("Job locked by another instance, failing duplicate occurrence",
			zap.String("job_id", job.ID),
			zap.String("occurrence_id", occ.ID),
		)
		if err := d.occurrences.MarkFailed(ctx, []string{occ.ID},
			"duplicate dispatch prevented by lock", now); err != nil {
			d.logger.Error("Failed to mark occurrence failed",
				zap.String("occurrence_id", occ.ID),
				zap.Error(err),
			)
		}
		return
	}
	defer func() {
		if err := d.locks.Release(ctx, job.ID, owner); err != nil {
			d.logger.Warn("Lock release failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}()

	publishErr := d.publishOccurrence(ctx, occ, job, fireAt)

	// Reschedule before release regardless of publish outcome: the
	// occurrence row already exists, and a still-due recurring job would
	// mint a duplicate on the next tick. Failed publishes retry through
	// the occurrence sweep.
	if job.IsRecurring() {
		if err := d.rescheduleRecurring(ctx, job, now); err != nil {
			d.logger.Error("Failed to reschedule recurring job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	} else {
		if err := d.schedule.RemoveFromScheduledSet(ctx, job.ID); err != nil {
			d.logger.Error("Failed to remove one-shot job from index",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	if publishErr != nil {
		d.recordPublishFailure(ctx, occ, publishErr, now)
		return
	}
	if d.metrics != nil {
		d.metrics.OccurrencesPublished.Inc()
	}
}

// publishOccurrence sends the dispatch envelope to the topic exchange.
func (d *Dispatcher) publishOccurrence(ctx context.Context, occ *entity.JobOccurrence, job *schedule.CachedJob, fireAt time.Time) error {
	msg := &bus.DispatchMessage{
		OccurrenceID:    occ.ID,
		JobID:           job.ID,
		CorrelationID:   occ.ID,
		JobDisplayName:  job.DisplayName,
		JobNameInWorker: job.JobNameInWorker,
		WorkerID:        job.WorkerID,
		JobData:         job.JobData,
		TimeoutSeconds:  job.ExecutionTimeoutSeconds,
		DispatchedAt:    d.now(),
	}
	if !fireAt.IsZero() {
		msg.ExecuteAt = &fireAt
	}
	// Workers bind with {jobNameInWorker}.* patterns; the occurrence id in
	// the key lets them correlate deliveries without opening the body.
	routingKey := job.JobNameInWorker + "." + occ.ID
	return d.publisher.PublishDispatch(ctx, msg, routingKey, d.cfg.MaxRetryAttempts)
}

// recordPublishFailure advances the occurrence retry state with
// exponential backoff, exhausting the budget into Failed.
func (d *Dispatcher) recordPublishFailure(ctx context.Context, occ *entity.JobOccurrence, publishErr error, now time.Time) {
	if d.metrics != nil {
		d.metrics.PublishFailures.Inc()
	}

	occ.DispatchRetryCount++
	if occ.DispatchRetryCount >= d.cfg.MaxRetryAttempts {
		d.logger.Error("Publish retry budget exhausted, failing occurrence",
			zap.String("occurrence_id", occ.ID),
			zap.String("job_id", occ.JobID),
			zap.Int("attempts", occ.DispatchRetryCount),
			zap.Error(publishErr),
		)
		if err := d.occurrences.MarkFailed(ctx, []string{occ.ID},
			"dispatch failed: publish retry budget exhausted: "+publishErr.Error(), now); err != nil {
			d.logger.Error("Failed to mark occurrence failed",
				zap.String("occurrence_id", occ.ID),
				zap.Error(err),
			)
		}
		return
	}

	backoff := publishBackoff(occ.DispatchRetryCount)
	next := now.Add(backoff)
	occ.NextDispatchRetryAt = &next
	occ.Exception = "dispatch publish failed: " + publishErr.Error()
	d.logger.Warn("Publish failed, scheduling retry",
		zap.String("occurrence_id", occ.ID),
		zap.String("job_id", occ.JobID),
		zap.Int("attempt", occ.DispatchRetryCount),
		zap.Duration("backoff", backoff),
		zap.Error(publishErr),
	)
	if err := d.occurrences.BulkUpdate(ctx, []*entity.JobOccurrence{occ}); err != nil {
		d.logger.Error("Failed to persist retry state",
			zap.String("occurrence_id", occ.ID),
			zap.Error(err),
		)
	}
}

// deferOccurrence pushes the occurrence into the retry sweep without
// consuming retry budget, used when the lock service itself failed and
// nothing is known about other instances.
func (d *Dispatcher) deferOccurrence(ctx context.Context, occ *entity.JobOccurrence, now time.Time, wait time.Duration) {
	if wait <= 0 {
		wait = time.Second
	}
	next := now.Add(wait)
	occ.NextDispatchRetryAt = &next
	if err := d.occurrences.BulkUpdate(ctx, []*entity.JobOccurrence{occ}); err != nil {
		d.logger.Error("Failed to defer occurrence",
			zap.String("occurrence_id", occ.ID),
			zap.Error(err),
		)
	}
}

// sweepRetries republishes Queued occurrences whose backoff elapsed.
func (d *Dispatcher) sweepRetries(ctx context.Context, now time.Time) error {
	due, err := d.occurrences.FindDispatchRetriesDue(ctx, now, d.cfg.MaxRetryAttempts)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	if d.metrics != nil {
		d.metrics.RetriesSwept.Add(float64(len(due)))
	}

	jobIDs := make([]string, 0, len(due))
	for _, occ := range due {
		jobIDs = append(jobIDs, occ.JobID)
	}
	projections, err := d.loadProjections(ctx, jobIDs)
	if err != nil {
		return err
	}

	for _, occ := range due {
		job, ok := projections[occ.JobID]
		if !ok || !job.IsActive {
			d.logger.Warn("Failing retry for missing or inactive job",
				zap.String("occurrence_id", occ.ID),
				zap.String("job_id", occ.JobID),
			)
			if err := d.occurrences.MarkFailed(ctx, []string{occ.ID},
				"dispatch retry abandoned: job deleted or disabled", now); err != nil {
				d.logger.Error("Failed to mark occurrence failed",
					zap.String("occurrence_id", occ.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := d.publishOccurrence(ctx, occ, job, time.Time{}); err != nil {
			d.recordPublishFailure(ctx, occ, err, now)
			continue
		}
		if d.metrics != nil {
			d.metrics.OccurrencesPublished.Inc()
		}
		occ.NextDispatchRetryAt = nil
		occ.Exception = ""
		if err := d.occurrences.BulkUpdate(ctx, []*entity.JobOccurrence{occ}); err != nil {
			d.logger.Error("Failed to clear retry state",
				zap.String("occurrence_id", occ.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
