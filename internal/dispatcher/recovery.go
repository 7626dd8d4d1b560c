package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/schedule"
)

const storeWaitInterval = 2 * time.Second

// RunRecovery brings the index, cache and occurrence table back to a
// consistent state after a restart. Safe to run repeatedly: every step is
// reconciliation, not replay.
func (d *Dispatcher) RunRecovery(ctx context.Context) error {
	d.logger.Info("Running startup recovery")

	if err := d.waitForStore(ctx); err != nil {
		return err
	}
	if err := d.reconcileIndex(ctx); err != nil {
		return err
	}
	if err := d.sweepStaleOccurrences(ctx); err != nil {
		return err
	}
	if err := d.repopulateIndex(ctx); err != nil {
		return err
	}

	d.logger.Info("Startup recovery complete")
	return nil
}

// waitForStore blocks until the durable store answers a ping.
func (d *Dispatcher) waitForStore(ctx context.Context) error {
	for {
		if err := d.store.Ping(ctx); err == nil {
			return nil
		} else {
			d.logger.Warn("Store not ready, waiting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(storeWaitInterval):
		}
	}
}

// reconcileIndex removes index entries whose job row no longer exists.
func (d *Dispatcher) reconcileIndex(ctx context.Context) error {
	indexed, err := d.schedule.GetAllScheduled(ctx)
	if err != nil {
		return err
	}
	if len(indexed) == 0 {
		return nil
	}

	ids := make([]string, 0, len(indexed))
	for id := range indexed {
		ids = append(ids, id)
	}
	existing, err := d.jobs.FilterExistingIDs(ctx, ids)
	if err != nil {
		return err
	}
	exists := make(map[string]bool, len(existing))
	for _, id := range existing {
		exists[id] = true
	}

	purged := 0
	for _, id := range ids {
		if exists[id] {
			continue
		}
		if err := d.schedule.RemoveFromScheduledSet(ctx, id); err != nil {
			return err
		}
		_ = d.schedule.RemoveCachedJob(ctx, id)
		purged++
	}
	if purged > 0 {
		d.logger.Info("Purged phantom index entries", zap.Int("count", purged))
	}
	return nil
}

// sweepStaleOccurrences fails active occurrences whose last sign of life
// predates the restart grace period. Their running markers are cleared so
// the concurrency gate reopens.
func (d *Dispatcher) sweepStaleOccurrences(ctx context.Context) error {
	active, err := d.occurrences.FindActiveOccurrences(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	cutoff := d.now().Add(-d.cfg.RecoveryGracePeriod)
	var staleIDs []string
	staleJobs := make(map[string]bool)
	for _, occ := range active {
		lastActivity := occ.CreatedAt
		if occ.LastHeartbeat != nil && occ.LastHeartbeat.After(lastActivity) {
			lastActivity = *occ.LastHeartbeat
		}
		if lastActivity.Before(cutoff) {
			staleIDs = append(staleIDs, occ.ID)
			staleJobs[occ.JobID] = true
		}
	}
	if len(staleIDs) == 0 {
		return nil
	}

	d.logger.Warn("Failing occurrences stranded by restart",
		zap.Int("count", len(staleIDs)),
	)
	if err := d.occurrences.MarkFailed(ctx, staleIDs, "system restart", d.now()); err != nil {
		return err
	}
	for jobID := range staleJobs {
		if err := d.schedule.MarkJobAsCompleted(ctx, jobID); err != nil {
			d.logger.Warn("Failed to clear running marker",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// repopulateIndex ensures every active job is present in the time index
// and its projection cached.
func (d *Dispatcher) repopulateIndex(ctx context.Context) error {
	jobs, err := d.jobs.GetAllActive(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	indexed, err := d.schedule.GetAllScheduled(ctx)
	if err != nil {
		return err
	}

	now := d.now()
	added := 0
	for _, job := range jobs {
		projection := schedule.NewCachedJob(job)
		if err := d.schedule.CacheJobDetails(ctx, projection, d.cfg.CacheTTL); err != nil {
			d.logger.Warn("Failed to warm job cache",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}

		if _, ok := indexed[job.ID]; ok {
			continue
		}
		fireAt, ok := d.nextFireTime(job, now)
		if !ok {
			continue
		}
		if err := d.schedule.AddToScheduledSet(ctx, job.ID, fireAt); err != nil {
			return err
		}
		added++
	}
	if added > 0 {
		d.logger.Info("Repopulated time index", zap.Int("count", added))
	}
	return nil
}

// nextFireTime computes where a recovered job belongs in the index.
func (d *Dispatcher) nextFireTime(job *entity.ScheduledJob, now time.Time) (time.Time, bool) {
	if job.IsRecurring() {
		next, err := NextAfter(job.CronExpression, now)
		if err != nil {
			d.logger.Error("Skipping job with invalid cron expression",
				zap.String("job_id", job.ID),
				zap.String("cron", job.CronExpression),
				zap.Error(err),
			)
			return time.Time{}, false
		}
		if next.IsZero() {
			d.logger.Warn("Skipping job whose cron expression never fires again",
				zap.String("job_id", job.ID),
				zap.String("cron", job.CronExpression),
			)
			return time.Time{}, false
		}
		return next, true
	}
	if job.ExecuteAt != nil {
		// Past-due one-shots become due immediately
		return *job.ExecuteAt, true
	}
	return time.Time{}, false
}
