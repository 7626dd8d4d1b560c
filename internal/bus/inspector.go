package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInspector reports queue depth for the dispatcher's Skip-policy
// check on a short-lived channel. Passive declare closes the channel on a
// missing queue, which is why the channel is not reused.
type QueueInspector struct {
	conn *Connection
}

// NewQueueInspector creates an inspector on the given connection.
func NewQueueInspector(conn *Connection) *QueueInspector {
	return &QueueInspector{conn: conn}
}

// Depth returns the ready-message count for queue. A queue that does not
// exist has depth zero: no worker has declared it yet, so nothing can be
// waiting in it.
func (qi *QueueInspector) Depth(_ context.Context, queue string) (int, error) {
	ch, err := qi.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()

	state, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == amqp.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return state.Messages, nil
}
