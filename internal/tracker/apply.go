package tracker

import (
	"context"

	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/events"
)

// jobOutcome feeds the auto-disable breaker after a flush.
type jobOutcome struct {
	jobID     string
	failed    bool
	exception string
}

// markerOp is one deferred running-marker correction.
type markerOp struct {
	jobID         string
	correlationID string
	clear         bool
}

// applyBatch dedupes, loads, transitions and persists one batch.
func (t *Tracker) applyBatch(ctx context.Context, batch []*bus.StatusUpdateMessage) error {
	// Last write wins per correlation id; order within the batch is
	// delivery order
	latest := make(map[string]*bus.StatusUpdateMessage, len(batch))
	order := make([]string, 0, len(batch))
	for _, msg := range batch {
		if msg.CorrelationID == "" {
			continue
		}
		if _, seen := latest[msg.CorrelationID]; !seen {
			order = append(order, msg.CorrelationID)
		}
		latest[msg.CorrelationID] = msg
	}
	if len(order) == 0 {
		return nil
	}

	occurrences, err := t.occurrences.GetByIDs(ctx, order)
	if err != nil {
		return err
	}
	byID := make(map[string]*entity.JobOccurrence, len(occurrences))
	for _, occ := range occurrences {
		byID[occ.ID] = occ
	}

	var (
		updated   []*entity.JobOccurrence
		outcomes  []jobOutcome
		markerOps []markerOp
	)
	for _, correlationID := range order {
		msg := latest[correlationID]
		occ, ok := byID[correlationID]
		if !ok {
			t.logger.Debug("Dropping update for unknown occurrence",
				zap.String("correlation_id", correlationID),
				zap.Int("status", msg.Status),
			)
			continue
		}

		changed, outcome, marker := t.applyOne(occ, msg)
		if !changed {
			continue
		}
		updated = append(updated, occ)
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
		if marker != nil {
			markerOps = append(markerOps, *marker)
		}
	}
	if len(updated) == 0 {
		return nil
	}

	if err := t.occurrences.BulkUpdate(ctx, updated); err != nil {
		return err
	}

	t.syncMarkers(markerOps)
	t.evaluateOutcomes(ctx, outcomes)

	if t.sink != nil {
		t.sink.Publish(events.New(events.TypeOccurrencesUpdated, events.TopicOccurrences, map[string]any{
			"count": len(updated),
		}))
	}
	return nil
}

// applyOne mutates a single occurrence from one (deduped) update.
// Returns whether the row changed, the auto-disable outcome for final
// transitions, and any marker correction to sync.
func (t *Tracker) applyOne(occ *entity.JobOccurrence, msg *bus.StatusUpdateMessage) (bool, *jobOutcome, *markerOp) {
	now := t.now()
	next := entity.OccurrenceStatus(msg.Status)

	if occ.Status.IsFinal() {
		// Terminal rows are immutable, except that a late Completed from
		// a worker that finished after being reaped clears the exception
		if next == entity.StatusCompleted && occ.Exception != "" {
			occ.Exception = ""
			occ.Logs = append(occ.Logs, entity.LogEntry{
				Timestamp: now,
				Level:     "Information",
				Message:   "Late completion received after occurrence was finalized as " + occ.Status.String(),
			})
			return true, nil, nil
		}
		t.logger.Debug("Ignoring update for finalized occurrence",
			zap.String("occurrence_id", occ.ID),
			zap.String("current", occ.Status.String()),
			zap.String("incoming", next.String()),
		)
		return false, nil, nil
	}

	// A Running report for an occurrence already Running is a heartbeat:
	// refresh liveness, no transition, no counter change.
	if occ.Status == entity.StatusRunning && next == entity.StatusRunning {
		at := msg.Timestamp
		if at.IsZero() {
			at = now
		}
		occ.LastHeartbeat = &at
		return true, nil, nil
	}

	if !occ.Status.CanTransitionTo(next) {
		return false, nil, nil
	}

	from := occ.Status
	occ.Status = next
	occ.AppendStatusChange(from, next, now)
	if t.metrics != nil {
		t.metrics.StatusTransitions.WithLabelValues(next.String()).Inc()
	}

	switch {
	case next == entity.StatusRunning:
		start := msg.Timestamp
		if msg.StartTime != nil {
			start = *msg.StartTime
		}
		if start.IsZero() {
			start = now
		}
		occ.StartTime = &start
		occ.LastHeartbeat = &start
		if msg.WorkerID != "" {
			occ.WorkerID = msg.WorkerID
		}
		if msg.WorkerID != "" && occ.JobName != "" {
			t.incrementCounter(msg.WorkerID, occ.JobName)
		}
		return true, nil, &markerOp{jobID: occ.JobID, correlationID: occ.ID}

	case next.IsFinal():
		end := msg.Timestamp
		if msg.EndTime != nil {
			end = *msg.EndTime
		}
		if end.IsZero() {
			end = now
		}
		occ.EndTime = &end
		// The worker's own measurement wins over the wall-clock difference
		if msg.DurationMs != nil {
			ms := *msg.DurationMs
			occ.DurationMs = &ms
		} else if occ.StartTime != nil {
			ms := end.Sub(*occ.StartTime).Milliseconds()
			occ.DurationMs = &ms
		}
		if msg.Result != "" {
			occ.Result = msg.Result
		}
		if next == entity.StatusCompleted {
			occ.Exception = ""
		} else if msg.Exception != "" {
			occ.Exception = msg.Exception
		}

		if from == entity.StatusRunning && occ.WorkerID != "" && occ.JobName != "" {
			t.decrementCounter(occ.WorkerID, occ.JobName)
		}

		outcome := &jobOutcome{
			jobID:     occ.JobID,
			failed:    next == entity.StatusFailed || next == entity.StatusTimedOut,
			exception: occ.Exception,
		}
		return true, outcome, &markerOp{jobID: occ.JobID, clear: true}
	}
	return true, nil, nil
}

// syncMarkers reconciles running markers off the flush path with a fixed
// time budget. Failures are tolerated: the marker TTL and the zombie
// detector are the backstop.
func (t *Tracker) syncMarkers(ops []markerOp) {
	if len(ops) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.MarkerBudget)
		defer cancel()
		for _, op := range ops {
			var err error
			if op.clear {
				err = t.markers.MarkJobAsCompleted(ctx, op.jobID)
			} else {
				_, err = t.markers.TryMarkJobAsRunning(ctx, op.jobID, op.correlationID)
			}
			if err != nil {
				t.logger.Warn("Running-marker sync failed",
					zap.String("job_id", op.jobID),
					zap.Bool("clear", op.clear),
					zap.Error(err),
				)
			}
		}
	}()
}

func (t *Tracker) incrementCounter(workerID, jobName string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.MarkerBudget)
	defer cancel()
	if err := t.counters.IncrementConsumerJobs(ctx, workerID, jobName); err != nil {
		t.logger.Warn("Consumer counter increment failed",
			zap.String("worker_id", workerID),
			zap.String("job_name", jobName),
			zap.Error(err),
		)
	}
}

func (t *Tracker) decrementCounter(workerID, jobName string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.MarkerBudget)
	defer cancel()
	if err := t.counters.DecrementConsumerJobs(ctx, workerID, jobName); err != nil {
		t.logger.Warn("Consumer counter decrement failed",
			zap.String("worker_id", workerID),
			zap.String("job_name", jobName),
			zap.Error(err),
		)
	}
}
