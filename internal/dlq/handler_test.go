package dlq

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/bus"
	gormdao "github.com/milvaion/milvaion/internal/domain/dao/impl/gorm"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository/impl"
	"github.com/milvaion/milvaion/internal/events"
)

type harness struct {
	handler *Handler
	db      *gorm.DB
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=1"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&entity.ScheduledJob{}, &entity.JobOccurrence{}, &entity.FailedOccurrence{}))

	occRepo := impl.NewJobOccurrenceRepository(gormdao.NewJobOccurrenceDAO(db))
	failedRepo := impl.NewFailedOccurrenceRepository(gormdao.NewFailedOccurrenceDAO(db))

	now := time.Now().UTC().Truncate(time.Second)
	h := New(Config{MaxRetries: 3}, occRepo, failedRepo, events.NopSink{}, nil, zaptest.NewLogger(t))
	h.now = func() time.Time { return now }
	return &harness{handler: h, db: db, now: now}
}

func (h *harness) createOccurrence(t *testing.T, status entity.OccurrenceStatus, exception string) *entity.JobOccurrence {
	t.Helper()
	job := &entity.ScheduledJob{
		ID:              entity.NewTimeOrderedID(),
		DisplayName:     "billing",
		JobNameInWorker: "billing",
		WorkerID:        "worker-1",
		IsActive:        true,
		Version:         1,
	}
	require.NoError(t, h.db.Create(job).Error)
	occ := &entity.JobOccurrence{
		ID:         entity.NewTimeOrderedID(),
		JobID:      job.ID,
		JobName:    job.JobNameInWorker,
		JobVersion: job.Version,
		WorkerID:   job.WorkerID,
		Status:     status,
		Exception:  exception,
	}
	require.NoError(t, h.db.Create(occ).Error)
	return occ
}

func delivery(t *testing.T, occ *entity.JobOccurrence, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(bus.DispatchMessage{
		OccurrenceID:    occ.ID,
		JobID:           occ.JobID,
		CorrelationID:   occ.ID,
		JobDisplayName:  "billing",
		JobNameInWorker: occ.JobName,
		WorkerID:        occ.WorkerID,
		JobData:         `{"region":"eu"}`,
	})
	require.NoError(t, err)
	return amqp.Delivery{Body: body, Headers: headers, CorrelationId: occ.ID}
}

func (h *harness) record(t *testing.T, occID string) *entity.FailedOccurrence {
	t.Helper()
	var rec entity.FailedOccurrence
	require.NoError(t, h.db.First(&rec, "occurrence_id = ?", occID).Error)
	return &rec
}

func TestRecordsUnhandledException(t *testing.T) {
	h := newHarness(t)
	occ := h.createOccurrence(t, entity.StatusFailed, "null reference in step 3")

	require.NoError(t, h.handler.Process(context.Background(), delivery(t, occ, nil)))

	rec := h.record(t, occ.ID)
	assert.Equal(t, entity.FailureUnhandledException, rec.FailureType)
	assert.Equal(t, "null reference in step 3", rec.Exception)
	assert.Equal(t, occ.JobID, rec.JobID)
	assert.Equal(t, `{"region":"eu"}`, rec.JobData)
	assert.False(t, rec.Resolved)
	assert.Zero(t, rec.RetryCount)
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    entity.OccurrenceStatus
		exception string
		headers   amqp.Table
		want      entity.FailureType
	}{
		{"retry ceiling dominates", entity.StatusFailed, "boom",
			amqp.Table{bus.HeaderRetryCount: int32(3), bus.HeaderMaxRetries: int32(3)},
			entity.FailureMaxRetriesExceeded},
		{"under ceiling falls through", entity.StatusTimedOut, "slow",
			amqp.Table{bus.HeaderRetryCount: int32(1), bus.HeaderMaxRetries: int32(3)},
			entity.FailureTimeout},
		{"timed out", entity.StatusTimedOut, "deadline", nil, entity.FailureTimeout},
		{"cancelled", entity.StatusCancelled, "", nil, entity.FailureCancelled},
		{"unknown is a worker crash", entity.StatusUnknown, "lost", nil, entity.FailureWorkerCrash},
		{"zombie exception", entity.StatusFailed, "zombie: never consumed", nil, entity.FailureZombieDetection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			occ := h.createOccurrence(t, tc.status, tc.exception)
			require.NoError(t, h.handler.Process(context.Background(), delivery(t, occ, tc.headers)))
			assert.Equal(t, tc.want, h.record(t, occ.ID).FailureType)
		})
	}
}

func TestEmptyExceptionGetsDefaultMessage(t *testing.T) {
	h := newHarness(t)
	occ := h.createOccurrence(t, entity.StatusUnknown, "")

	require.NoError(t, h.handler.Process(context.Background(), delivery(t, occ, nil)))

	rec := h.record(t, occ.ID)
	assert.Equal(t, noExceptionMessage, rec.Exception)
}

func TestLongExceptionTruncatedWithMarker(t *testing.T) {
	h := newHarness(t)
	occ := h.createOccurrence(t, entity.StatusFailed, strings.Repeat("x", 10000))

	require.NoError(t, h.handler.Process(context.Background(), delivery(t, occ, nil)))

	rec := h.record(t, occ.ID)
	assert.LessOrEqual(t, len(rec.Exception), maxExceptionLen+100)
	assert.Contains(t, rec.Exception, "[truncated")
}

func TestDuplicateDeliveryCollapses(t *testing.T) {
	h := newHarness(t)
	occ := h.createOccurrence(t, entity.StatusFailed, "boom")
	d := delivery(t, occ, nil)

	require.NoError(t, h.handler.Process(context.Background(), d))
	require.NoError(t, h.handler.Process(context.Background(), d),
		"a redelivered message acks instead of erroring")

	var count int64
	require.NoError(t, h.db.Model(&entity.FailedOccurrence{}).
		Where("occurrence_id = ?", occ.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUnknownOccurrenceDropped(t *testing.T) {
	h := newHarness(t)
	ghost := &entity.JobOccurrence{
		ID:      entity.NewTimeOrderedID(),
		JobID:   entity.NewTimeOrderedID(),
		JobName: "ghost",
	}

	require.NoError(t, h.handler.Process(context.Background(), delivery(t, ghost, nil)))

	var count int64
	require.NoError(t, h.db.Model(&entity.FailedOccurrence{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestMalformedBodyDropped(t *testing.T) {
	h := newHarness(t)
	err := h.handler.Process(context.Background(), amqp.Delivery{Body: []byte("not json")})
	assert.NoError(t, err, "undecodable messages are acked, not requeued")
}

func TestCorrelationHeaderPreferredOverProperty(t *testing.T) {
	h := newHarness(t)
	occ := h.createOccurrence(t, entity.StatusFailed, "boom")

	d := delivery(t, occ, amqp.Table{bus.HeaderCorrelationID: occ.ID})
	d.CorrelationId = "stale-property"

	require.NoError(t, h.handler.Process(context.Background(), d))
	assert.Equal(t, occ.ID, h.record(t, occ.ID).CorrelationID)
}
