// Package dlq turns dead-lettered dispatch messages into durable
// FailedOccurrence records for operator review.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/utils"
)

const (
	// maxExceptionLen bounds the stored exception text.
	maxExceptionLen = 3072

	// defaultMaxRetries applies when the MaxRetries header is absent.
	defaultMaxRetries = 3

	noExceptionMessage = "no exception recorded; likely a routing, crash, TTL, or capacity issue"
)

// zombieMarkers identify exceptions written by the zombie detector.
var zombieMarkers = []string{"zombie", "Zombie"}

// Config tunes the handler.
type Config struct {
	MaxRetries int
}

// Handler consumes the failed-occurrences queue.
type Handler struct {
	cfg         Config
	occurrences repository.JobOccurrenceRepository
	failed      repository.FailedOccurrenceRepository
	sink        events.Sink
	metrics     *observability.Metrics
	logger      *zap.Logger

	// test seam
	now func() time.Time
}

// New wires a handler.
func New(
	cfg Config,
	occurrences repository.JobOccurrenceRepository,
	failed repository.FailedOccurrenceRepository,
	sink events.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Handler{
		cfg:         cfg,
		occurrences: occurrences,
		failed:      failed,
		sink:        sink,
		metrics:     metrics,
		logger:      logger.Named("dlq"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the bus handler. A non-nil error nack-requeues the
// delivery; nil acks it.
func (h *Handler) Handler() bus.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return h.Process(ctx, d)
	}
}

// Process records one dead-lettered delivery. Malformed or orphaned
// messages are dropped (acked); transient store errors propagate so the
// delivery is requeued.
func (h *Handler) Process(ctx context.Context, d amqp.Delivery) error {
	var msg bus.DispatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		h.logger.Warn("Dropping undecodable dead-letter message",
			zap.Int("body_bytes", len(d.Body)),
			zap.Error(err),
		)
		return nil
	}

	correlationID := bus.CorrelationID(d)
	if correlationID == "" {
		correlationID = msg.CorrelationID
	}
	if correlationID == "" {
		correlationID = msg.OccurrenceID
	}
	if correlationID == "" {
		h.logger.Warn("Dropping dead-letter message without correlation id")
		return nil
	}

	retryCount := bus.RetryCount(d.Headers)
	maxRetries := bus.MaxRetries(d.Headers, h.cfg.MaxRetries)

	occ, err := h.occurrences.GetByID(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("look up occurrence %s: %w", correlationID, err)
	}
	if occ == nil {
		h.logger.Warn("Dead-letter message references unknown occurrence, dropping",
			zap.String("correlation_id", correlationID),
			zap.String("job_id", msg.JobID),
		)
		return nil
	}

	exception := occ.Exception
	if exception == "" {
		exception = noExceptionMessage
	} else {
		exception = utils.TruncateWithMarker(exception, maxExceptionLen)
	}

	failureType := classify(occ, retryCount, maxRetries)

	record := &entity.FailedOccurrence{
		ID:                entity.NewTimeOrderedID(),
		JobID:             occ.JobID,
		OccurrenceID:      occ.ID,
		CorrelationID:     correlationID,
		JobDisplayName:    msg.JobDisplayName,
		JobNameInWorker:   occ.JobName,
		WorkerID:          occ.WorkerID,
		JobData:           msg.JobData,
		Exception:         exception,
		FailedAt:          h.now(),
		RetryCount:        retryCount,
		FailureType:       failureType,
		OriginalExecuteAt: msg.ExecuteAt,
		Resolved:          false,
	}

	if err := h.failed.Insert(ctx, record); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			h.logger.Debug("Occurrence already recorded as failed, acking redelivery",
				zap.String("occurrence_id", occ.ID),
			)
			return nil
		}
		return fmt.Errorf("record failed occurrence %s: %w", occ.ID, err)
	}

	if h.metrics != nil {
		h.metrics.FailedOccurrences.WithLabelValues(string(failureType)).Inc()
	}
	h.logger.Warn("Recorded failed occurrence",
		zap.String("occurrence_id", occ.ID),
		zap.String("job_id", occ.JobID),
		zap.String("failure_type", string(failureType)),
		zap.Int("retry_count", retryCount),
	)
	if h.sink != nil {
		h.sink.Publish(events.New(events.TypeOccurrencesUpdated, events.TopicOccurrences, map[string]any{
			"occurrence_id": occ.ID,
			"failure_type":  string(failureType),
		}))
	}
	return nil
}

// classify maps an occurrence and its retry headers to a failure type.
// The retry ceiling dominates; otherwise the occurrence's final status
// decides.
func classify(occ *entity.JobOccurrence, retryCount, maxRetries int) entity.FailureType {
	if retryCount > 0 && retryCount >= maxRetries {
		return entity.FailureMaxRetriesExceeded
	}
	switch occ.Status {
	case entity.StatusTimedOut:
		return entity.FailureTimeout
	case entity.StatusCancelled:
		return entity.FailureCancelled
	case entity.StatusUnknown:
		return entity.FailureWorkerCrash
	case entity.StatusFailed:
		if utils.ContainsAny(occ.Exception, zombieMarkers) {
			return entity.FailureZombieDetection
		}
		return entity.FailureUnhandledException
	default:
		return entity.FailureUnhandledException
	}
}
