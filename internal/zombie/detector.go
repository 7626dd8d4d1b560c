// Package zombie reconciles occurrences that stopped reporting: Queued
// rows no worker ever consumed, and Running rows whose worker went silent.
package zombie

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/workers"
)

const (
	kindQueued  = "queued"
	kindRunning = "running"
)

// MarkerClient clears the per-job running marker once a zombie is reaped.
type MarkerClient interface {
	MarkJobAsCompleted(ctx context.Context, jobID string) error
}

// WorkerStatuses is the slice of the worker registry used for exception
// context on lost-running reaps.
type WorkerStatuses interface {
	Get(ctx context.Context, workerID string) (*workers.Worker, error)
}

// Config tunes the sweep cadence and timeouts.
type Config struct {
	CheckInterval    time.Duration
	QueuedTimeout    time.Duration
	HeartbeatTimeout time.Duration
}

// Detector owns the periodic zombie sweep.
type Detector struct {
	cfg         Config
	occurrences repository.JobOccurrenceRepository
	markers     MarkerClient
	registry    WorkerStatuses
	sink        events.Sink
	metrics     *observability.Metrics
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// test seam
	now func() time.Time
}

// New wires a detector. Start launches the sweep loop.
func New(
	cfg Config,
	occurrences repository.JobOccurrenceRepository,
	markers MarkerClient,
	registry WorkerStatuses,
	sink events.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.QueuedTimeout <= 0 {
		cfg.QueuedTimeout = 30 * time.Minute
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 5 * time.Minute
	}
	return &Detector{
		cfg:         cfg,
		occurrences: occurrences,
		markers:     markers,
		registry:    registry,
		sink:        sink,
		metrics:     metrics,
		logger:      logger.Named("zombie"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the periodic sweep.
func (d *Detector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx)
	d.logger.Info("Zombie detector started",
		zap.Duration("check_interval", d.cfg.CheckInterval),
		zap.Duration("queued_timeout", d.cfg.QueuedTimeout),
		zap.Duration("heartbeat_timeout", d.cfg.HeartbeatTimeout),
	)
}

// Stop ends the sweep loop.
func (d *Detector) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.logger.Info("Zombie detector stopped")
}

func (d *Detector) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunSweep(ctx); err != nil {
				d.logger.Error("Zombie sweep failed", zap.Error(err))
			}
		}
	}
}

// RunSweep loads the active occurrence set once, reaps both zombie kinds
// and persists the transitions in one bulk update.
func (d *Detector) RunSweep(ctx context.Context) error {
	now := d.now()
	active, err := d.occurrences.FindActiveOccurrences(ctx)
	if err != nil {
		return fmt.Errorf("load active occurrences: %w", err)
	}

	var (
		reaped      []*entity.JobOccurrence
		queuedCount int
		lostCount   int
	)
	for _, occ := range active {
		switch occ.Status {
		case entity.StatusQueued:
			timeout := occ.EffectiveZombieTimeout(d.cfg.QueuedTimeout)
			if now.Sub(occ.CreatedAt) <= timeout {
				continue
			}
			d.reap(occ, now, fmt.Sprintf(
				"zombie: occurrence was never consumed within %s of dispatch", timeout))
			queuedCount++
			reaped = append(reaped, occ)

		case entity.StatusRunning:
			if occ.LastHeartbeat != nil && now.Sub(*occ.LastHeartbeat) <= d.cfg.HeartbeatTimeout {
				continue
			}
			d.reap(occ, now, d.lostRunningReason(ctx, occ))
			lostCount++
			reaped = append(reaped, occ)
		}
	}
	if len(reaped) == 0 {
		return nil
	}

	if err := d.occurrences.BulkUpdate(ctx, reaped); err != nil {
		return fmt.Errorf("persist reaped occurrences: %w", err)
	}

	cleared := make(map[string]struct{}, len(reaped))
	for _, occ := range reaped {
		if _, done := cleared[occ.JobID]; done {
			continue
		}
		cleared[occ.JobID] = struct{}{}
		if err := d.markers.MarkJobAsCompleted(ctx, occ.JobID); err != nil {
			d.logger.Warn("Failed to clear running marker for reaped job",
				zap.String("job_id", occ.JobID),
				zap.Error(err),
			)
		}
	}

	if d.metrics != nil {
		d.metrics.ZombiesReaped.WithLabelValues(kindQueued).Add(float64(queuedCount))
		d.metrics.ZombiesReaped.WithLabelValues(kindRunning).Add(float64(lostCount))
	}
	d.logger.Warn("Reaped zombie occurrences",
		zap.Int("queued", queuedCount),
		zap.Int("lost_running", lostCount),
	)
	if d.sink != nil {
		d.sink.Publish(events.New(events.TypeOccurrencesUpdated, events.TopicZombies, map[string]any{
			"queued":       queuedCount,
			"lost_running": lostCount,
		}))
	}
	return nil
}

// reap transitions one occurrence to Unknown in memory.
func (d *Detector) reap(occ *entity.JobOccurrence, now time.Time, reason string) {
	from := occ.Status
	occ.Status = entity.StatusUnknown
	occ.AppendStatusChange(from, entity.StatusUnknown, now)
	occ.EndTime = &now
	start := occ.CreatedAt
	if occ.StartTime != nil {
		start = *occ.StartTime
	}
	ms := now.Sub(start).Milliseconds()
	occ.DurationMs = &ms
	occ.Exception = reason
}

// lostRunningReason embeds the worker's last-known registry state in the
// exception so an operator can tell a crashed worker from a vanished one.
func (d *Detector) lostRunningReason(ctx context.Context, occ *entity.JobOccurrence) string {
	base := "zombie: running occurrence stopped heartbeating"
	if occ.LastHeartbeat == nil {
		base = "zombie: running occurrence never heartbeated"
	}
	if occ.WorkerID == "" || d.registry == nil {
		return base
	}
	worker, err := d.registry.Get(ctx, occ.WorkerID)
	if err != nil || worker == nil {
		return base + "; worker " + occ.WorkerID + " not found in registry"
	}
	latest := time.Time{}
	for _, inst := range worker.Instances {
		if inst.LastHeartbeat.After(latest) {
			latest = inst.LastHeartbeat
		}
	}
	return fmt.Sprintf("%s; worker %s has %d registered instance(s), last heartbeat %s",
		base, occ.WorkerID, len(worker.Instances), latest.UTC().Format(time.RFC3339))
}
