package bus

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// PubSubBus implements presence.EventBus over Google Cloud Pub/Sub. Each
// instance consumes through its own subscription so every instance sees every
// presence event.
type PubSubBus struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     zerolog.Logger
	cancel     context.CancelFunc
}

// NewPubSubBus creates a bus over an existing topic and per-instance
// subscription.
func NewPubSubBus(client *pubsub.Client, topicID, subscriptionID string, logger zerolog.Logger) (*PubSubBus, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	return &PubSubBus{
		publisher:  client.Publisher(topicID),
		subscriber: client.Subscriber(subscriptionID),
		logger:     logger.With().Str("component", "PubSubBus").Logger(),
	}, nil
}

// Publish sends the event to the presence topic and waits for the server ack.
func (b *PubSubBus) Publish(ctx context.Context, event presence.Event) error {
	payload, err := encode(event)
	if err != nil {
		return fmt.Errorf("failed to encode presence event: %w", err)
	}
	result := b.publisher.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	return nil
}

// Subscribe starts a background Receive loop delivering decoded events to
// handler. Undecodable messages are acked and dropped; redelivering them
// cannot help.
func (b *PubSubBus) Subscribe(ctx context.Context, handler func(presence.Event)) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go func() {
		err := b.subscriber.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			event, err := decode(msg.Data)
			if err != nil {
				b.logger.Warn().Err(err).Msg("Dropping undecodable presence event.")
				msg.Ack()
				return
			}
			handler(event)
			msg.Ack()
		})
		if err != nil && receiveCtx.Err() == nil {
			b.logger.Error().Err(err).Msg("Presence subscription receive loop failed.")
		}
	}()
	return nil
}

// Close stops the receive loop. The shared client is owned by the caller.
func (b *PubSubBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
