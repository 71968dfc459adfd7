package worker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"chat_gateway/internal/domain"
	"chat_gateway/internal/history"
)

// Persist consumes the persistence queue and writes chat messages to the
// history store. Presence and join/leave noise is filtered out; an insert
// failure is logged and the delivery acked anyway, since the event already
// reached clients through the broadcast queue.
type Persist struct {
	store history.Store
	log   zerolog.Logger
}

func NewPersist(store history.Store, log zerolog.Logger) *Persist {
	return &Persist{
		store: store,
		log:   log,
	}
}

// Run blocks until ctx is cancelled or the delivery channel closes.
func (w *Persist) Run(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return ErrQueueClosed
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Persist) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := domain.DecodeEvent(d.Body)
	if err != nil {
		w.log.Warn().Err(err).Msg("dropping malformed persist payload")
		w.ack(d)
		return
	}

	// Only chat messages are history.
	if ev.Type != domain.EventMessage {
		w.ack(d)
		return
	}

	id, err := w.store.Insert(ctx, domain.StoredMessageFromEvent(ev))
	if err != nil {
		w.log.Error().Err(err).Str("sender_id", ev.SenderID).Msg("failed to persist message")
	} else {
		w.log.Debug().Str("id", id).Str("sender_id", ev.SenderID).Msg("message persisted")
	}
	w.ack(d)
}

func (w *Persist) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Error().Err(err).Msg("failed to ack persist delivery")
	}
}
