// Package joblogs consumes worker log batches and appends them to their
// occurrence rows. Delivery is at-most-once: entries are acked on
// enqueue, so a crash between enqueue and flush loses the buffered batch.
package joblogs

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/observability"
)

// Config tunes log batching.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
}

// Collector owns the worker-logs batcher.
type Collector struct {
	cfg         Config
	occurrences repository.JobOccurrenceRepository
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu    sync.Mutex
	queue []*bus.WorkerLogMessage

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a collector. Start launches the flush loop.
func New(
	cfg Config,
	occurrences repository.JobOccurrenceRepository,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	return &Collector{
		cfg:         cfg,
		occurrences: occurrences,
		metrics:     metrics,
		logger:      logger.Named("joblogs"),
	}
}

// Handler returns the bus handler for the worker-logs queue. Returning
// nil acks the delivery immediately.
func (c *Collector) Handler() bus.Handler {
	return bus.Typed(c.logger, func(ctx context.Context, msg *bus.WorkerLogMessage, _ amqp.Delivery) error {
		c.Enqueue(ctx, msg)
		return nil
	})
}

// Enqueue buffers one log batch.
func (c *Collector) Enqueue(ctx context.Context, msg *bus.WorkerLogMessage) {
	if msg.CorrelationID == "" || len(msg.Entries) == 0 {
		return
	}

	c.mu.Lock()
	c.queue = append(c.queue, msg)
	full := len(c.queue) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		c.Flush(ctx)
	}
}

// Start launches the periodic flush loop.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
	c.logger.Info("Log collector started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("batch_interval", c.cfg.BatchInterval),
	)
}

// Stop ends the loop after a final flush.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.Flush(context.Background())
	c.logger.Info("Log collector stopped")
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush drains the buffer, groups entries by correlation id and appends
// them to the matching occurrences in one bulk update. Entries for
// unknown correlation ids are dropped.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	grouped := make(map[string][]entity.LogEntry, len(batch))
	order := make([]string, 0, len(batch))
	for _, msg := range batch {
		if _, seen := grouped[msg.CorrelationID]; !seen {
			order = append(order, msg.CorrelationID)
		}
		for _, e := range msg.Entries {
			grouped[msg.CorrelationID] = append(grouped[msg.CorrelationID], entity.LogEntry{
				Timestamp: e.Timestamp,
				Level:     e.Level,
				Message:   e.Message,
				Category:  e.Category,
				Data:      e.Data,
			})
		}
	}

	occurrences, err := c.occurrences.GetByIDs(ctx, order)
	if err != nil {
		c.logger.Error("Log flush lookup failed, dropping batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		c.dropAll(grouped)
		return
	}
	byID := make(map[string]*entity.JobOccurrence, len(occurrences))
	for _, occ := range occurrences {
		byID[occ.ID] = occ
	}

	var updated []*entity.JobOccurrence
	appended := 0
	for _, correlationID := range order {
		occ, ok := byID[correlationID]
		if !ok {
			c.logger.Debug("Dropping logs for unknown occurrence",
				zap.String("correlation_id", correlationID),
				zap.Int("entries", len(grouped[correlationID])),
			)
			if c.metrics != nil {
				c.metrics.LogEntriesDropped.Add(float64(len(grouped[correlationID])))
			}
			continue
		}
		occ.Logs = append(occ.Logs, grouped[correlationID]...)
		appended += len(grouped[correlationID])
		updated = append(updated, occ)
	}
	if len(updated) == 0 {
		return
	}

	if err := c.occurrences.BulkUpdate(ctx, updated); err != nil {
		c.logger.Error("Log flush update failed, dropping batch",
			zap.Int("occurrences", len(updated)),
			zap.Error(err),
		)
		c.dropAll(grouped)
		return
	}
	if c.metrics != nil {
		c.metrics.LogEntriesAppended.Add(float64(appended))
	}
}

func (c *Collector) dropAll(grouped map[string][]entity.LogEntry) {
	if c.metrics == nil {
		return
	}
	total := 0
	for _, entries := range grouped {
		total += len(entries)
	}
	c.metrics.LogEntriesDropped.Add(float64(total))
}
