package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

type fakePresenceStore struct {
	mu     sync.Mutex
	values map[string]string
	down   bool
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{values: make(map[string]string)}
}

func (f *fakePresenceStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	switch v := value.(type) {
	case string:
		f.values[key] = v
	case []byte:
		f.values[key] = string(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakePresenceStore) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewSliceResult(nil, errors.New("connection refused"))
	}
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.values[k]; ok {
			out[i] = v
		}
	}
	return redis.NewSliceResult(out, nil)
}

type fakeBus struct {
	mu        sync.Mutex
	published []presence.Event
	handler   func(presence.Event)
}

func (b *fakeBus) Publish(ctx context.Context, event presence.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, handler func(presence.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) deliver(event presence.Event) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

type fakeSessions struct {
	mu           sync.Mutex
	lastActivity []string
	inactive     []string
	audits       []string
}

func (s *fakeSessions) UpdateLastActivity(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = append(s.lastActivity, userID)
	return nil
}

func (s *fakeSessions) MarkSessionInactive(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inactive = append(s.inactive, userID)
	return nil
}

func (s *fakeSessions) RecordRateLimitAudit(ctx context.Context, userID string, count int64, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, userID)
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []presence.Event
}

func (b *fakeBroadcaster) BroadcastPresence(event presence.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBroadcaster) all() []presence.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]presence.Event(nil), b.events...)
}

type fixture struct {
	store       *Store
	redis       *fakePresenceStore
	bus         *fakeBus
	sessions    *fakeSessions
	broadcaster *fakeBroadcaster
}

func setup(t *testing.T, ttl, grace time.Duration) *fixture {
	t.Helper()
	fx := &fixture{
		redis:       newFakePresenceStore(),
		bus:         &fakeBus{},
		sessions:    &fakeSessions{},
		broadcaster: &fakeBroadcaster{},
	}
	store, err := NewStore(fx.redis, fx.bus, fx.sessions, fx.broadcaster, "instance-a", ttl, grace, zerolog.Nop())
	require.NoError(t, err)
	fx.store = store
	return fx
}

func TestStore_MarkOnlineThenRead(t *testing.T) {
	fx := setup(t, time.Minute, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, fx.store.MarkOnline(ctx, "alice", "websocket", nil))

	statuses, err := fx.store.GetStatuses(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOnline, statuses["alice"].Status)
	assert.Equal(t, presence.StatusOffline, statuses["bob"].Status, "absence implies OFFLINE")

	events := fx.broadcaster.all()
	require.Len(t, events, 1, "exactly one local broadcast per presence change")
	assert.Equal(t, "instance-a", events[0].OriginInstanceID)
	require.Len(t, fx.bus.published, 1)
}

func TestStore_StaleRecordReadsOffline(t *testing.T) {
	fx := setup(t, time.Minute, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, fx.store.MarkOnline(ctx, "alice", "websocket", nil))

	// Rewrite the stored record with a heartbeat older than TTL+grace; the
	// read-time rule must flag it OFFLINE even though the key still exists.
	statuses, err := fx.store.GetStatuses(ctx, []string{"alice"})
	require.NoError(t, err)
	stale := statuses["alice"]
	stale.LastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	fx.redis.values[presenceKey("alice")] = mustJSON(t, stale)

	statuses, err = fx.store.GetStatuses(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, statuses["alice"].Status)
}

func TestStore_MarkOffline(t *testing.T) {
	fx := setup(t, time.Minute, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, fx.store.MarkOnline(ctx, "alice", "websocket", nil))
	require.NoError(t, fx.store.MarkOffline(ctx, "alice", "disconnect", nil))

	statuses, err := fx.store.GetStatuses(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, statuses["alice"].Status)
	assert.False(t, statuses["alice"].LastSeen.IsZero(), "lastSeen survives going offline")

	events := fx.broadcaster.all()
	require.Len(t, events, 2)
	assert.Equal(t, presence.StatusOffline, events[1].Status)
}

func TestStore_DegradesToRelationalFallback(t *testing.T) {
	fx := setup(t, time.Minute, 10*time.Second)
	fx.redis.down = true
	ctx := context.Background()

	require.NoError(t, fx.store.MarkOnline(ctx, "alice", "websocket", nil))
	require.NoError(t, fx.store.MarkOffline(ctx, "alice", "disconnect", nil))

	assert.Equal(t, []string{"alice"}, fx.sessions.lastActivity)
	assert.Equal(t, []string{"alice"}, fx.sessions.inactive)
	assert.Empty(t, fx.bus.published, "degraded mode has no live push")
	assert.Empty(t, fx.broadcaster.all())
}

func TestStore_RunSuppressesOwnOrigin(t *testing.T) {
	fx := setup(t, time.Minute, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, fx.store.Run(ctx))

	// An event this instance originated comes back around the bus.
	fx.bus.deliver(presence.Event{UserID: "alice", Status: presence.StatusOnline, OriginInstanceID: "instance-a"})
	assert.Empty(t, fx.broadcaster.all(), "own events are suppressed by origin id")

	// An event from a peer instance is re-broadcast locally.
	fx.bus.deliver(presence.Event{UserID: "bob", Status: presence.StatusOnline, OriginInstanceID: "instance-b"})
	events := fx.broadcaster.all()
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].UserID)
}

func mustJSON(t *testing.T, v presence.Record) string {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return string(payload)
}
