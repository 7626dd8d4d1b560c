package bus

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery. nil acks the message; an error nacks it
// with the registration's requeue policy.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumerSpec describes one named consumer.
type ConsumerSpec struct {
	Queue    string
	Name     string
	Prefetch int
	// RequeueOnError controls the nack disposition: the DLQ consumer
	// requeues so records are never lost, everyone else dead-letters.
	RequeueOnError bool
	Handler        Handler
}

// ConsumerGroup runs a set of consumers and re-registers them after every
// reconnect. Redelivery after a reconnect is expected; handlers are
// idempotent.
type ConsumerGroup struct {
	conn   *Connection
	logger *zap.Logger

	mu      sync.Mutex
	specs   []ConsumerSpec
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	onRestart func() // metrics hook, optional
}

// NewConsumerGroup creates an empty group bound to the connection.
func NewConsumerGroup(conn *Connection, logger *zap.Logger) *ConsumerGroup {
	g := &ConsumerGroup{
		conn:   conn,
		logger: logger.Named("consumer"),
	}
	conn.OnReconnect(func(*Connection) { g.restartAll() })
	return g
}

// SetRestartCallback installs a hook invoked once per consumer restart.
func (g *ConsumerGroup) SetRestartCallback(fn func()) {
	g.mu.Lock()
	g.onRestart = fn
	g.mu.Unlock()
}

// Add registers a consumer spec. Must be called before Start.
func (g *ConsumerGroup) Add(spec ConsumerSpec) {
	g.mu.Lock()
	g.specs = append(g.specs, spec)
	g.mu.Unlock()
}

// Start launches all registered consumers.
func (g *ConsumerGroup) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.started = true
	for _, spec := range g.specs {
		if err := g.launch(spec); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all consumers and waits for their loops to drain.
func (g *ConsumerGroup) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	cancel := g.cancel
	g.started = false
	g.mu.Unlock()

	cancel()
	g.wg.Wait()
}

// restartAll relaunches every consumer on fresh channels after reconnect.
func (g *ConsumerGroup) restartAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	for _, spec := range g.specs {
		if g.onRestart != nil {
			g.onRestart()
		}
		if err := g.launch(spec); err != nil {
			g.logger.Error("Failed to restart consumer after reconnect",
				zap.String("consumer", spec.Name),
				zap.String("queue", spec.Queue),
				zap.Error(err),
			)
		}
	}
}

// launch opens a channel and starts the delivery loop for one spec.
// Caller must hold g.mu.
func (g *ConsumerGroup) launch(spec ConsumerSpec) error {
	ch, err := g.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(spec.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(spec.Queue, spec.Name,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return err
	}

	ctx := g.ctx
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					// Channel died; the reconnect hook relaunches us
					return
				}
				g.handle(ctx, spec, d)
			}
		}
	}()
	return nil
}

func (g *ConsumerGroup) handle(ctx context.Context, spec ConsumerSpec, d amqp.Delivery) {
	if err := spec.Handler(ctx, d); err != nil {
		g.logger.Warn("Delivery processing failed",
			zap.String("consumer", spec.Name),
			zap.String("queue", spec.Queue),
			zap.Bool("requeue", spec.RequeueOnError),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, spec.RequeueOnError); nackErr != nil {
			g.logger.Error("Failed to nack delivery",
				zap.String("consumer", spec.Name),
				zap.Error(nackErr),
			)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		g.logger.Error("Failed to ack delivery",
			zap.String("consumer", spec.Name),
			zap.Error(ackErr),
		)
	}
}
