package zombie

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	gormdao "github.com/milvaion/milvaion/internal/domain/dao/impl/gorm"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository/impl"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/resilience"
	"github.com/milvaion/milvaion/internal/schedule"
	"github.com/milvaion/milvaion/internal/workers"
)

type harness struct {
	detector *Detector
	sched    schedule.Client
	reg      workers.Registry
	db       *gorm.DB
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=1"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&entity.ScheduledJob{}, &entity.JobOccurrence{}, &entity.FailedOccurrence{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("test"), logger)
	sched := schedule.NewClient(rdb, breaker, schedule.DefaultOptions(), logger)
	reg := workers.NewRegistry(rdb, breaker, workers.Options{}, logger)

	occRepo := impl.NewJobOccurrenceRepository(gormdao.NewJobOccurrenceDAO(db))
	now := time.Now().UTC().Truncate(time.Second)
	d := New(
		Config{CheckInterval: 5 * time.Minute, QueuedTimeout: 30 * time.Minute, HeartbeatTimeout: 5 * time.Minute},
		occRepo, sched, reg, events.NopSink{}, nil, logger,
	)
	d.now = func() time.Time { return now }

	return &harness{detector: d, sched: sched, reg: reg, db: db, now: now}
}

func (h *harness) createJob(t *testing.T) *entity.ScheduledJob {
	t.Helper()
	job := &entity.ScheduledJob{
		ID:              entity.NewTimeOrderedID(),
		DisplayName:     "nightly",
		JobNameInWorker: "nightly",
		WorkerID:        "worker-1",
		IsActive:        true,
		Version:         1,
	}
	require.NoError(t, h.db.Create(job).Error)
	return job
}

func (h *harness) createOccurrence(t *testing.T, job *entity.ScheduledJob, status entity.OccurrenceStatus, createdAt time.Time) *entity.JobOccurrence {
	t.Helper()
	occ := &entity.JobOccurrence{
		ID:         entity.NewTimeOrderedID(),
		JobID:      job.ID,
		JobName:    job.JobNameInWorker,
		JobVersion: job.Version,
		WorkerID:   job.WorkerID,
		Status:     status,
	}
	require.NoError(t, h.db.Create(occ).Error)
	// autoCreateTime stamps its own value; pin the age explicitly
	require.NoError(t, h.db.Model(occ).Update("created_at", createdAt).Error)
	occ.CreatedAt = createdAt
	return occ
}

func (h *harness) reload(t *testing.T, id string) *entity.JobOccurrence {
	t.Helper()
	var occ entity.JobOccurrence
	require.NoError(t, h.db.First(&occ, "id = ?", id).Error)
	return &occ
}

func TestQueuedZombieReaped(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t)
	stale := h.createOccurrence(t, job, entity.StatusQueued, h.now.Add(-time.Hour))
	fresh := h.createOccurrence(t, job, entity.StatusQueued, h.now.Add(-time.Minute))

	require.NoError(t, h.detector.RunSweep(context.Background()))

	row := h.reload(t, stale.ID)
	assert.Equal(t, entity.StatusUnknown, row.Status)
	require.NotNil(t, row.EndTime)
	require.NotNil(t, row.DurationMs)
	assert.Contains(t, row.Exception, "never consumed")
	require.Len(t, row.StatusChangeLogs, 1)
	assert.Equal(t, entity.StatusQueued, row.StatusChangeLogs[0].From)

	assert.Equal(t, entity.StatusQueued, h.reload(t, fresh.ID).Status, "fresh occurrence untouched")
}

func TestQueuedZombieHonorsPerOccurrenceTimeout(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t)
	longTimeout := 120
	occ := h.createOccurrence(t, job, entity.StatusQueued, h.now.Add(-time.Hour))
	require.NoError(t, h.db.Model(occ).Update("zombie_timeout_minutes", longTimeout).Error)

	require.NoError(t, h.detector.RunSweep(context.Background()))

	assert.Equal(t, entity.StatusQueued, h.reload(t, occ.ID).Status,
		"occurrence override extends the global timeout")
}

func TestLostRunningReapedWithWorkerContext(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t)
	ctx := context.Background()

	beat := h.now.Add(-time.Hour)
	require.NoError(t, h.reg.Register(ctx, workers.Registration{
		Info:     workers.WorkerInfo{WorkerID: "worker-1"},
		Instance: workers.InstanceInfo{InstanceID: "inst-a", LastHeartbeat: beat},
	}))

	stale := h.createOccurrence(t, job, entity.StatusRunning, h.now.Add(-time.Hour))
	staleBeat := h.now.Add(-time.Hour)
	require.NoError(t, h.db.Model(stale).Update("last_heartbeat", staleBeat).Error)

	never := h.createOccurrence(t, job, entity.StatusRunning, h.now.Add(-time.Hour))

	live := h.createOccurrence(t, job, entity.StatusRunning, h.now.Add(-time.Hour))
	liveBeat := h.now.Add(-time.Minute)
	require.NoError(t, h.db.Model(live).Update("last_heartbeat", liveBeat).Error)

	require.NoError(t, h.detector.RunSweep(ctx))

	row := h.reload(t, stale.ID)
	assert.Equal(t, entity.StatusUnknown, row.Status)
	assert.Contains(t, row.Exception, "stopped heartbeating")
	assert.Contains(t, row.Exception, "worker-1", "exception carries registry context")
	assert.Contains(t, row.Exception, "1 registered instance")

	row = h.reload(t, never.ID)
	assert.Equal(t, entity.StatusUnknown, row.Status)
	assert.Contains(t, row.Exception, "never heartbeated")

	assert.Equal(t, entity.StatusRunning, h.reload(t, live.ID).Status,
		"heartbeating occurrence untouched")
}

func TestLostRunningUnknownWorker(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t)
	occ := h.createOccurrence(t, job, entity.StatusRunning, h.now.Add(-time.Hour))

	require.NoError(t, h.detector.RunSweep(context.Background()))

	row := h.reload(t, occ.ID)
	assert.Equal(t, entity.StatusUnknown, row.Status)
	assert.Contains(t, row.Exception, "not found in registry")
}

func TestSweepClearsRunningMarker(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t)
	ctx := context.Background()

	occ := h.createOccurrence(t, job, entity.StatusRunning, h.now.Add(-time.Hour))
	marked, err := h.sched.TryMarkJobAsRunning(ctx, job.ID, occ.ID)
	require.NoError(t, err)
	require.True(t, marked)

	require.NoError(t, h.detector.RunSweep(ctx))

	free, err := h.sched.TryMarkJobAsRunning(ctx, job.ID, "next-run")
	require.NoError(t, err)
	assert.True(t, free, "reaping frees the concurrency gate")
}

func TestSweepNoZombiesNoWrites(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t)
	occ := h.createOccurrence(t, job, entity.StatusQueued, h.now.Add(-time.Minute))

	require.NoError(t, h.detector.RunSweep(context.Background()))

	row := h.reload(t, occ.ID)
	assert.Equal(t, entity.StatusQueued, row.Status)
	assert.Empty(t, row.StatusChangeLogs)
}
