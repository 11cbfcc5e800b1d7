package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPRepo publishes each event as JSON to a durable topic exchange with
// routing key "audit.<type>".
type AMQPRepo struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger
}

func NewAMQPRepo(url, exchange string, log *slog.Logger) (*AMQPRepo, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQPRepo{conn: conn, exchange: exchange, log: log}, nil
}

func RoutingKey(t EventType) string { return "audit." + string(t) }

func (r *AMQPRepo) Append(ctx context.Context, e Event) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, r.exchange, RoutingKey(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return err
	}
	r.log.DebugContext(ctx, "audit published", "exchange", r.exchange, "type", e.Type)
	return nil
}

func (r *AMQPRepo) Close() error {
	return r.conn.Close()
}
