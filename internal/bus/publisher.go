package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	apperrors "github.com/milvaion/milvaion/pkg/errors"
)

// Publisher sends persistent messages through a confirm-mode channel and
// waits for the broker acknowledgment, so a returned nil really means the
// broker owns the message.
type Publisher struct {
	conn     *Connection
	exchange string
	timeout  time.Duration
	logger   *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher creates a publisher on the given connection. The channel is
// opened lazily and reopened after reconnects.
func NewPublisher(conn *Connection, exchange string, publishTimeout time.Duration, logger *zap.Logger) *Publisher {
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	p := &Publisher{
		conn:     conn,
		exchange: exchange,
		timeout:  publishTimeout,
		logger:   logger.Named("publisher"),
	}
	conn.OnReconnect(func(*Connection) {
		p.mu.Lock()
		p.ch = nil
		p.mu.Unlock()
	})
	return p
}

// channel returns the cached confirm-mode channel, opening one if needed.
// Caller must hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// PublishDispatch publishes a dispatch message to the topic exchange under
// routingKey, stamping correlation and retry-ceiling headers.
func (p *Publisher) PublishDispatch(ctx context.Context, msg *DispatchMessage, routingKey string, maxRetries int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize dispatch message: %w", err)
	}
	headers := amqp.Table{
		HeaderCorrelationID: msg.CorrelationID,
		HeaderMaxRetries:    int32(maxRetries),
	}
	return p.publish(ctx, p.exchange, routingKey, body, msg.CorrelationID, headers)
}

// PublishJSON publishes an arbitrary payload directly to a queue through
// the default exchange.
func (p *Publisher) PublishJSON(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize message for %s: %w", queue, err)
	}
	return p.publish(ctx, "", queue, body, "", nil)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte, correlationID string, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return apperrors.ErrUnavailable.WithError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			Timestamp:     time.Now().UTC(),
			Headers:       headers,
			Body:          body,
		})
	if err != nil {
		// Drop the channel so the next publish reopens it
		p.ch = nil
		return apperrors.ErrUnavailable.WithError(
			fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return apperrors.ErrUnavailable.WithError(
			fmt.Errorf("publish confirm wait for %s/%s: %w", exchange, routingKey, err))
	}
	if !acked {
		return fmt.Errorf("broker rejected publish to %s/%s", exchange, routingKey)
	}
	return nil
}

// Close releases the publisher channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		err := p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}
