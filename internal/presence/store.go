// Package presence tracks per-user online/offline state in the shared store
// with TTL-based implicit expiry, and propagates presence changes across
// instances through the event bus. When the shared store is unavailable it
// degrades to direct last-activity writes in the relational collaborator;
// eventual correctness is preserved, real-time liveness is not.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// Broadcaster fans a presence event out to this instance's own connections.
type Broadcaster interface {
	BroadcastPresence(event presence.Event)
}

// Store is the shared presence record keeper for one service instance.
//
// Records carry an implicit TTL: absence or expiry implies OFFLINE on the next
// read, so no active sweep runs anywhere.
type Store struct {
	client      redisClient
	bus         presence.EventBus
	sessions    presence.SessionStore
	broadcaster Broadcaster
	instanceID  string
	ttl         time.Duration
	grace       time.Duration
	logger      zerolog.Logger
}

// NewStore creates a presence store bound to this instance's id. Events the
// store publishes are tagged with instanceID so subscribers can suppress
// re-broadcasting events this instance originated.
func NewStore(
	client redisClient,
	bus presence.EventBus,
	sessions presence.SessionStore,
	broadcaster Broadcaster,
	instanceID string,
	ttl, grace time.Duration,
	logger zerolog.Logger,
) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if grace < 0 {
		grace = 0
	}
	return &Store{
		client:      client,
		bus:         bus,
		sessions:    sessions,
		broadcaster: broadcaster,
		instanceID:  instanceID,
		ttl:         ttl,
		grace:       grace,
		logger:      logger.With().Str("component", "PresenceStore").Str("instance", instanceID).Logger(),
	}, nil
}

// MarkOnline upserts the user's record as ONLINE, resets its TTL, and
// publishes a presence event. Heartbeats call this to renew.
func (s *Store) MarkOnline(ctx context.Context, userID, source string, meta map[string]string) error {
	now := time.Now().UTC()
	record := presence.Record{
		UserID:           userID,
		Status:           presence.StatusOnline,
		LastSeen:         now,
		LastHeartbeat:    now,
		Source:           source,
		OriginInstanceID: s.instanceID,
	}
	return s.write(ctx, record, meta)
}

// MarkOffline sets the user OFFLINE immediately and publishes the same event
// shape. The record is retained (with TTL) so snapshot reads keep lastSeen.
func (s *Store) MarkOffline(ctx context.Context, userID, source string, meta map[string]string) error {
	now := time.Now().UTC()
	record := presence.Record{
		UserID:           userID,
		Status:           presence.StatusOffline,
		LastSeen:         now,
		LastHeartbeat:    now,
		Source:           source,
		OriginInstanceID: s.instanceID,
	}
	return s.write(ctx, record, meta)
}

func (s *Store) write(ctx context.Context, record presence.Record, meta map[string]string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	if err := s.client.Set(ctx, presenceKey(record.UserID), payload, s.ttl+s.grace).Err(); err != nil {
		s.logger.Error().Err(err).Str("user", record.UserID).
			Msg("Shared store unreachable, degrading to relational fallback.")
		s.fallback(ctx, record)
		return nil
	}

	event := presence.Event{
		UserID:           record.UserID,
		Status:           record.Status,
		LastSeen:         record.LastSeen,
		Source:           record.Source,
		OriginInstanceID: s.instanceID,
		Meta:             meta,
	}

	// Local connections get the event directly; the bus copy is for the other
	// instances, which drop nothing because its origin is not theirs.
	if s.broadcaster != nil {
		s.broadcaster.BroadcastPresence(event)
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("user", record.UserID).Msg("Failed to publish presence event.")
	}
	return nil
}

// fallback preserves eventual correctness without live push.
func (s *Store) fallback(ctx context.Context, record presence.Record) {
	if s.sessions == nil {
		return
	}
	var err error
	if record.Status == presence.StatusOnline {
		err = s.sessions.UpdateLastActivity(ctx, record.UserID)
	} else {
		err = s.sessions.MarkSessionInactive(ctx, record.UserID)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user", record.UserID).Msg("Relational fallback write failed.")
	}
}

// GetStatuses returns a batched snapshot for the given users, used to seed new
// subscribers. Missing or stale records read as OFFLINE.
func (s *Store) GetStatuses(ctx context.Context, userIDs []string) (map[string]presence.Record, error) {
	statuses := make(map[string]presence.Record, len(userIDs))
	if len(userIDs) == 0 {
		return statuses, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read presence records: %w", err)
	}

	now := time.Now().UTC()
	for i, id := range userIDs {
		statuses[id] = s.interpret(id, values[i], now)
	}
	return statuses, nil
}

// interpret applies the read-time expiry rule: a record past TTL+grace without
// renewal is OFFLINE regardless of its stored status.
func (s *Store) interpret(userID string, raw interface{}, now time.Time) presence.Record {
	offline := presence.Record{UserID: userID, Status: presence.StatusOffline}

	str, ok := raw.(string)
	if !ok || str == "" {
		return offline
	}
	var record presence.Record
	if err := json.Unmarshal([]byte(str), &record); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("Unreadable presence record.")
		return offline
	}
	if record.Status == presence.StatusOnline && now.After(record.LastHeartbeat.Add(s.ttl+s.grace)) {
		record.Status = presence.StatusOffline
	}
	return record
}

// Run subscribes to the cross-instance presence stream and re-broadcasts
// events from other instances to this instance's connections. Events this
// instance originated are suppressed by origin id, keeping the fan-out
// idempotent rather than exactly-once.
func (s *Store) Run(ctx context.Context) error {
	return s.bus.Subscribe(ctx, func(event presence.Event) {
		if event.OriginInstanceID == s.instanceID {
			return
		}
		if s.broadcaster != nil {
			s.broadcaster.BroadcastPresence(event)
		}
	})
}

func presenceKey(userID string) string { return fmt.Sprintf("presence:%s", userID) }
