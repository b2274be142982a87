package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes outcomes to a RabbitMQ topic exchange. The routing key
// is "dispatch.<outcome>".
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func routingKey(k Kind) string {
	return "dispatch." + string(k)
}

func (a *AMQPSink) Publish(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	err = a.ch.PublishWithContext(ctx, a.exchange, routingKey(o.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    o.ItemID + ":" + string(o.Kind) + ":" + fmt.Sprint(o.RetryCount),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish outcome: %w", err)
	}
	return nil
}

func (a *AMQPSink) Close() error {
	if err := a.ch.Close(); err != nil {
		return err
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
