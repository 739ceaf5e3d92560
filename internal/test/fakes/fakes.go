// Package fakes provides in-memory test doubles for the service's backing
// stores. These are used in the cmd local entrypoint and in tests that need
// a full service without Redis or Postgres.
package fakes

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// --- Rate-limit counter store ---

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// CounterStore is an in-memory stand-in for the Redis INCR/EXPIRE pair.
type CounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

func NewCounterStore() *CounterStore {
	return &CounterStore{entries: make(map[string]*counterEntry)}
}

func (s *CounterStore) Incr(ctx context.Context, key string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		entry = &counterEntry{}
		s.entries[key] = entry
	}
	entry.count++
	return redis.NewIntResult(entry.count, nil)
}

func (s *CounterStore) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return redis.NewBoolResult(false, nil)
	}
	entry.expiresAt = time.Now().Add(expiration)
	return redis.NewBoolResult(true, nil)
}

// --- Presence record backend ---

type presenceEntry struct {
	value     string
	expiresAt time.Time
}

// PresenceBackend is an in-memory stand-in for the Redis SET/MGET pair the
// presence store uses.
type PresenceBackend struct {
	mu      sync.Mutex
	entries map[string]presenceEntry
}

func NewPresenceBackend() *PresenceBackend {
	return &PresenceBackend{entries: make(map[string]presenceEntry)}
}

func (s *PresenceBackend) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := presenceEntry{value: asString(value)}
	if expiration > 0 {
		entry.expiresAt = time.Now().Add(expiration)
	}
	s.entries[key] = entry
	return redis.NewStatusResult("OK", nil)
}

func (s *PresenceBackend) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, len(keys))
	now := time.Now()
	for i, key := range keys {
		entry, ok := s.entries[key]
		if !ok || (!entry.expiresAt.IsZero() && now.After(entry.expiresAt)) {
			out[i] = nil
			continue
		}
		out[i] = entry.value
	}
	return redis.NewSliceResult(out, nil)
}

// --- Lease store ---

type leaseEntry struct {
	value     string
	expiresAt time.Time
}

// LeaseStore is an in-memory stand-in for the conditional Redis operations
// the leadership coordinator relies on, including its two scripts.
type LeaseStore struct {
	mu      sync.Mutex
	entries map[string]*leaseEntry
	lists   map[string][]string
}

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{
		entries: make(map[string]*leaseEntry),
		lists:   make(map[string][]string),
	}
}

func (s *LeaseStore) liveLocked(key string) (*leaseEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return entry, true
}

func (s *LeaseStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.liveLocked(key); live {
		return redis.NewBoolResult(false, nil)
	}
	s.entries[key] = &leaseEntry{value: asString(value), expiresAt: time.Now().Add(expiration)}
	return redis.NewBoolResult(true, nil)
}

func (s *LeaseStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &leaseEntry{value: asString(value)}
	if expiration > 0 {
		entry.expiresAt = time.Now().Add(expiration)
	}
	s.entries[key] = entry
	return redis.NewStatusResult("OK", nil)
}

func (s *LeaseStore) Get(ctx context.Context, key string) *redis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, live := s.liveLocked(key)
	if !live {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(entry.value, nil)
}

// Eval emulates the coordinator's compare-and-expire and compare-and-delete
// scripts, distinguished by the commands they contain.
func (s *LeaseStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder := asString(args[0])
	entry, live := s.liveLocked(keys[0])
	if !live || entry.value != holder {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch {
	case strings.Contains(script, "PEXPIRE"):
		ttlMillis := asInt64(args[1])
		expiresAt := time.Now().Add(time.Duration(ttlMillis) * time.Millisecond)
		entry.expiresAt = expiresAt
		if record, ok := s.entries[keys[1]]; ok {
			record.expiresAt = expiresAt
		}
	case strings.Contains(script, "DEL"):
		for _, key := range keys {
			delete(s.entries, key)
		}
	default:
		return redis.NewCmdResult(nil, redis.Nil)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (s *LeaseStore) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.lists[key] = append([]string{asString(v)}, s.lists[key]...)
	}
	return redis.NewIntResult(int64(len(s.lists[key])), nil)
}

func (s *LeaseStore) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if stop >= 0 && int64(len(list)) > stop+1 {
		s.lists[key] = list[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (s *LeaseStore) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if start >= int64(len(list)) {
		return redis.NewStringSliceResult(nil, nil)
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	out := append([]string(nil), list[start:stop+1]...)
	return redis.NewStringSliceResult(out, nil)
}

// --- Event bus ---

// Bus is an in-process presence event bus.
type Bus struct {
	mu       sync.Mutex
	handlers []func(presence.Event)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Publish(_ context.Context, event presence.Event) error {
	b.mu.Lock()
	handlers := append(([]func(presence.Event))(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, handler func(presence.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *Bus) Close() error { return nil }

// --- Message persister ---

// Persister acknowledges every message with a generated ID after an optional
// simulated latency.
type Persister struct {
	Latency time.Duration

	mu     sync.Mutex
	stored []presence.PersistedMessage
}

func NewPersister() *Persister { return &Persister{} }

func (p *Persister) SendMessage(ctx context.Context, senderID, receiverID, content string) (presence.PersistedMessage, error) {
	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
			return presence.PersistedMessage{}, ctx.Err()
		}
	}
	msg := presence.PersistedMessage{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	p.mu.Lock()
	p.stored = append(p.stored, msg)
	p.mu.Unlock()
	return msg, nil
}

// Stored returns a copy of everything persisted so far.
func (p *Persister) Stored() []presence.PersistedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presence.PersistedMessage(nil), p.stored...)
}

// --- Session store ---

// Sessions records last-activity bumps and audit entries in memory.
type Sessions struct {
	mu           sync.Mutex
	LastActivity map[string]time.Time
	Inactive     map[string]bool
	Audits       []string
}

func NewSessions() *Sessions {
	return &Sessions{
		LastActivity: make(map[string]time.Time),
		Inactive:     make(map[string]bool),
	}
}

func (s *Sessions) UpdateLastActivity(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity[userID] = time.Now()
	return nil
}

func (s *Sessions) MarkSessionInactive(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Inactive[userID] = true
	return nil
}

func (s *Sessions) RecordRateLimitAudit(_ context.Context, userID string, _ int64, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Audits = append(s.Audits, userID)
	return nil
}

// --- Presence status reader ---

// StatusReader serves a fixed set of presence records.
type StatusReader struct {
	Records map[string]presence.Record
}

func NewStatusReader() *StatusReader {
	return &StatusReader{Records: make(map[string]presence.Record)}
}

func (r *StatusReader) GetStatuses(_ context.Context, userIDs []string) (map[string]presence.Record, error) {
	out := make(map[string]presence.Record, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := r.Records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

// --- helpers ---

func asString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func asInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	default:
		return 0
	}
}
