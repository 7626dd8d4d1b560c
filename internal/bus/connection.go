package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/resilience"
)

// ErrClosed is returned by connection operations after Close.
var ErrClosed = errors.New("bus connection closed")

// ConnectionConfig tunes the managed AMQP connection.
type ConnectionConfig struct {
	URL              string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Connection wraps one AMQP connection and re-dials on broker-side close.
// Consumers register reconnect hooks to rebuild their channels after the
// connection comes back.
type Connection struct {
	cfg    ConnectionConfig
	logger *zap.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	closed    bool
	hooks     []func(*Connection)
	reconnect chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	onReconnect func() // metrics hook, optional
}

// Dial opens the connection and starts the reconnect supervisor.
func Dial(cfg ConnectionConfig, logger *zap.Logger) (*Connection, error) {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	c := &Connection{
		cfg:       cfg,
		logger:    logger.Named("bus"),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message broker: %w", err)
	}
	c.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.supervise(ctx, conn)
	return c, nil
}

// SetReconnectCallback installs a hook invoked once per successful
// reconnect, used for metrics.
func (c *Connection) SetReconnectCallback(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// OnReconnect registers a hook invoked after every successful reconnect.
// Consumers use it to re-register themselves on fresh channels.
func (c *Connection) OnReconnect(fn func(*Connection)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Channel opens a fresh channel on the current connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil, errors.New("bus connection not available")
	}
	return c.conn.Channel()
}

// IsConnected reports whether the underlying connection is open.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close shuts the connection down permanently.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	<-c.done
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// supervise watches for broker-side closes and re-dials with exponential
// backoff until Close is called.
func (c *Connection) supervise(ctx context.Context, conn *amqp.Connection) {
	defer close(c.done)
	for {
		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				// Graceful close
				return
			}
			c.logger.Warn("Bus connection lost",
				zap.Int("code", amqpErr.Code),
				zap.String("reason", amqpErr.Reason),
			)
		}

		next, ok := c.redial(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

// redial retries the dial with jittered exponential backoff. Returns
// false when ctx ends.
func (c *Connection) redial(ctx context.Context) (*amqp.Connection, bool) {
	for attempt := 1; ; attempt++ {
		backoff := resilience.ExponentialBackoff(attempt, c.cfg.ReconnectInitial, c.cfg.ReconnectMax)
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.logger.Warn("Bus reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		hooks := make([]func(*Connection), len(c.hooks))
		copy(hooks, c.hooks)
		onReconnect := c.onReconnect
		c.mu.Unlock()

		c.logger.Info("Bus connection restored")
		if onReconnect != nil {
			onReconnect()
		}
		for _, hook := range hooks {
			hook(c)
		}
		return conn, true
	}
}
