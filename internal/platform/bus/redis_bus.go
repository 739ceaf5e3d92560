package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// RedisBus implements presence.EventBus over Redis Pub/Sub. It shares the
// arbitration store's client, so presence propagation degrades exactly when
// presence storage does.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBus creates a bus publishing on the given channel.
func NewRedisBus(client redis.UniversalClient, channel string, logger zerolog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if channel == "" {
		channel = "presence:events"
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "RedisBus").Logger(),
	}, nil
}

// Publish sends the event to every subscribed instance, including this one;
// subscribers filter by origin instance id.
func (b *RedisBus) Publish(ctx context.Context, event presence.Event) error {
	payload, err := encode(event)
	if err != nil {
		return fmt.Errorf("failed to encode presence event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	return nil
}

// Subscribe starts a reader goroutine delivering decoded events to handler
// until ctx is cancelled or the bus closes.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(presence.Event)) error {
	sub := b.client.Subscribe(ctx, b.channel)

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer b.dropSub(sub)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Msg("Dropping undecodable presence event.")
					continue
				}
				handler(event)
			}
		}
	}()
	return nil
}

// dropSub closes the subscription and stops tracking it. Only the first of
// the reader goroutine and Close performs the close.
func (b *RedisBus) dropSub(sub *redis.PubSub) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, tracked := range b.subs {
		if tracked == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return sub.Close()
		}
	}
	return nil
}

// Close stops all subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var finalErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			finalErr = err
		}
	}
	return finalErr
}
