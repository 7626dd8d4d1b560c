package tracker

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/utils"
)

// maxDisableReasonLen bounds the exception text embedded in the disable
// reason.
const maxDisableReasonLen = 2048

// evaluateOutcomes runs the per-job failure breaker for every final
// transition in the flush. Breaker bookkeeping errors never fail the
// flush; the next outcome re-evaluates from the stored state.
func (t *Tracker) evaluateOutcomes(ctx context.Context, outcomes []jobOutcome) {
	for _, outcome := range outcomes {
		if err := t.evaluateOutcome(ctx, outcome); err != nil {
			t.logger.Warn("Auto-disable evaluation failed",
				zap.String("job_id", outcome.jobID),
				zap.Error(err),
			)
		}
	}
}

func (t *Tracker) evaluateOutcome(ctx context.Context, outcome jobOutcome) error {
	job, err := t.jobs.GetByID(ctx, outcome.jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	if !outcome.failed {
		// Success closes the breaker but keeps the disable history
		if job.AutoDisableSettings.ConsecutiveFailureCount == 0 && job.AutoDisableSettings.LastFailureTime == nil {
			return nil
		}
		job.AutoDisableSettings.ConsecutiveFailureCount = 0
		job.AutoDisableSettings.LastFailureTime = nil
		return t.jobs.Update(ctx, job)
	}

	now := t.now()
	settings := &job.AutoDisableSettings
	if settings.LastFailureTime != nil && now.Sub(*settings.LastFailureTime) > t.autoCfg.FailureWindow {
		// The previous streak aged out; this failure starts a new one
		settings.ConsecutiveFailureCount = 1
	} else {
		settings.ConsecutiveFailureCount++
	}
	settings.LastFailureTime = &now

	threshold := job.DisableThreshold(t.autoCfg.Threshold)
	if !job.AutoDisableEnabled(t.autoCfg.Enabled) || settings.ConsecutiveFailureCount < threshold {
		return t.jobs.Update(ctx, job)
	}

	return t.disableJob(ctx, job, outcome.exception)
}

// disableJob trips the breaker: the job goes inactive, leaves the index
// and cache, and the disable is announced.
func (t *Tracker) disableJob(ctx context.Context, job *entity.ScheduledJob, exception string) error {
	now := t.now()
	reason := "auto-disabled after " +
		pluralFailures(job.AutoDisableSettings.ConsecutiveFailureCount)
	if exception != "" {
		reason += ": " + utils.TruncateWithMarker(exception, maxDisableReasonLen)
	}
	job.AutoDisableSettings.DisabledAt = &now
	job.AutoDisableSettings.DisableReason = reason

	if err := t.jobs.Disable(ctx, job); err != nil {
		return err
	}

	if err := t.markers.RemoveFromScheduledSet(ctx, job.ID); err != nil {
		t.logger.Warn("Failed to remove disabled job from index",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	if err := t.markers.RemoveCachedJob(ctx, job.ID); err != nil {
		t.logger.Warn("Failed to evict disabled job from cache",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	if t.metrics != nil {
		t.metrics.AutoDisables.Inc()
	}
	t.logger.Warn("Job auto-disabled",
		zap.String("job_id", job.ID),
		zap.String("display_name", job.DisplayName),
		zap.Int("consecutive_failures", job.AutoDisableSettings.ConsecutiveFailureCount),
	)
	if t.sink != nil {
		t.sink.Publish(events.New(events.TypeJobDisabled, events.TopicJobs, map[string]any{
			"job_id":       job.ID,
			"display_name": job.DisplayName,
			"reason":       reason,
		}))
	}
	return nil
}

func pluralFailures(n int) string {
	if n == 1 {
		return "1 consecutive failure"
	}
	return strconv.Itoa(n) + " consecutive failures"
}
