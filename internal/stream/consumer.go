package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat4all-service/internal/models"
)

// HandlerFunc processes one message event. A returned error drops the event
// (no requeue): retry policy lives outside the core, and delivery failures are
// reported through status transitions, not through the stream.
type HandlerFunc func(ctx context.Context, event models.MessageEvent) error

// Consumer drains the message queue sequentially. Processing one delivery at
// a time keeps the per-conversation ordering the publisher established.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	tag   string
}

// NewConsumer connects and binds the message queue to the exchange. tag names
// the consumer on the broker so workers are distinguishable in management
// tooling.
func NewConsumer(amqpURL, exchange, queue, tag string) (*Consumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	if err := ch.QueueBind(queue, "messages.#", exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue bind: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, queue: queue, tag: tag}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handler HandlerFunc) error {
	msgs, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Printf("stream consumer started queue=%s", c.queue)
	for {
		select {
		case <-ctx.Done():
			log.Printf("stream consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			var event models.MessageEvent
			if err := json.Unmarshal(d.Body, &event); err != nil || event.Message.ID == "" {
				log.Printf("stream consumer bad event: %v", err)
				_ = d.Nack(false, false)
				continue
			}

			if err := handler(ctx, event); err != nil {
				log.Printf("stream consumer handler failed message=%s: %v", event.Message.ID, err)
				_ = d.Nack(false, false)
				continue
			}

			if err := d.Ack(false); err != nil {
				log.Printf("stream consumer ack failed message=%s: %v", event.Message.ID, err)
			}
		}
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
