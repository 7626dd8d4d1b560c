package bus

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Typed wraps a payload handler with JSON decoding. A payload that does
// not decode is acked and dropped: redelivering a malformed message can
// never make it well-formed.
func Typed[T any](logger *zap.Logger, handle func(ctx context.Context, msg *T, d amqp.Delivery) error) Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var msg T
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			logger.Error("Dropping malformed message",
				zap.String("queue", d.RoutingKey),
				zap.String("correlation_id", CorrelationID(d)),
				zap.Error(err),
			)
			return nil
		}
		return handle(ctx, &msg, d)
	}
}
