// Package worker runs the two long-lived consumption loops: live broadcast
// and history persistence. The loops read different queues on separate broker
// channels and never share blocking state.
package worker

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"chat_gateway/internal/domain"
)

// ErrQueueClosed reports that the broker delivery channel closed underneath a
// running worker. The workers fail fast; reconnecting is the supervisor's job.
var ErrQueueClosed = errors.New("delivery channel closed")

// Deliverer fans one decoded event out to the local connection set.
type Deliverer interface {
	DeliverAll(ev domain.Event)
}

// Broadcast consumes the broadcast queue and pushes each event to every
// connection registered on this process.
type Broadcast struct {
	registry Deliverer
	log      zerolog.Logger
}

func NewBroadcast(registry Deliverer, log zerolog.Logger) *Broadcast {
	return &Broadcast{
		registry: registry,
		log:      log,
	}
}

// Run blocks until ctx is cancelled or the delivery channel closes.
func (w *Broadcast) Run(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return ErrQueueClosed
			}
			w.handle(d)
		}
	}
}

// handle acks only after the fan-out completed, yielding at-least-once
// delivery. A crash before the ack redelivers the event; duplicate fan-out is
// tolerated downstream.
func (w *Broadcast) handle(d amqp.Delivery) {
	ev, err := domain.DecodeEvent(d.Body)
	if err != nil {
		w.log.Warn().Err(err).Msg("dropping malformed broadcast payload")
		w.ack(d)
		return
	}

	w.registry.DeliverAll(ev)
	w.ack(d)
}

func (w *Broadcast) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Error().Err(err).Msg("failed to ack broadcast delivery")
	}
}
