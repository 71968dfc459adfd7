// Package broker owns the durable fan-out pipeline: one fanout exchange, two
// durable queues bound to it, confirm-mode publishing, and manual-ack
// consumers for the two worker loops.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"chat_gateway/internal/domain"
)

const (
	// Exchange copies every published event to every bound queue. All
	// subscribers ignore the routing key.
	Exchange = "message_exchange"

	// BroadcastQueue feeds the live-delivery loop.
	BroadcastQueue = "chat_messages"

	// PersistQueue feeds the history-write loop.
	PersistQueue = "write_to_db"
)

// Client wraps a single AMQP connection. Publishing runs on a dedicated
// confirm-mode channel; each consumer gets its own channel so a stall in one
// loop never blocks the other.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     zerolog.Logger
}

// NewClient dials the broker, declares the topology, and puts the publish
// channel into confirm mode so broker nacks surface to callers of Publish.
func NewClient(url string, log zerolog.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{
		conn:    conn,
		channel: ch,
		log:     log,
	}, nil
}

func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		Exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, queue := range []string{BroadcastQueue, PersistQueue} {
		_, err := ch.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}

		// Fanout ignores the routing key.
		if err := ch.QueueBind(queue, "", Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
	}

	return nil
}

// Publish serializes the event and publishes it to the exchange, then waits
// for the broker's confirmation. A nack or confirm error is returned to the
// caller, which decides whether to retry or surface an error event.
func (c *Client) Publish(ctx context.Context, ev domain.Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}

	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx,
		Exchange, // exchange
		"",       // routing key (ignored by fanout)
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm %s event: %w", ev.Type, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s event", ev.Type)
	}
	return nil
}

// Consume opens a dedicated channel and starts a manual-ack consumer on the
// named queue. Workers ack only after a delivery is fully handled, which is
// what makes delivery at-least-once across crashes.
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consume channel for %s: %w", queue, err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos on %s: %w", queue, err)
	}

	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer tag (auto-generated)
		false, // auto-ack (workers ack after handling)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer on %s: %w", queue, err)
	}

	c.log.Info().Str("queue", queue).Msg("consumer started")
	return msgs, nil
}

// Close tears down the publish channel and the connection. Consumer channels
// close along with the connection; unacked in-flight deliveries are
// redelivered after restart.
func (c *Client) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
