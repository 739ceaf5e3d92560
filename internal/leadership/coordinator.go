// Package leadership grants exclusive, renewable, time-bounded ownership of
// named channels across instances. Arbitration runs entirely through the
// shared store's atomic conditional operations; application code never
// read-then-writes a lease.
package leadership

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

const (
	// DefaultTTL bounds a lease when the caller does not specify one.
	DefaultTTL = 30 * time.Second

	defaultHistoryLimit = 20
)

// heartbeatScript extends the lease only when the caller is the current
// recorded holder. Unconditional renewal would reintroduce split-brain risk.
const heartbeatScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
	return 1
end
return 0
`

// releaseScript clears the lease only when the caller is the current holder,
// allowing instant re-claim instead of waiting out the TTL.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1], KEYS[2])
	return 1
end
return 0
`

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Coordinator arbitrates lease ownership over the shared store.
//
// Invariant: at most one non-expired holder per channel at any instant. The
// lease key is authoritative; the record key is advisory metadata written
// alongside it.
type Coordinator struct {
	client       redisClient
	historyLimit int64
	logger       zerolog.Logger
}

// NewCoordinator is the constructor for the lease coordinator.
func NewCoordinator(client redisClient, historyLimit int, logger zerolog.Logger) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Coordinator{
		client:       client,
		historyLimit: int64(historyLimit),
		logger:       logger.With().Str("component", "Leadership").Logger(),
	}, nil
}

// Claim attempts to take the channel. It succeeds only when no live lease
// exists; otherwise it fails with ErrOccupied. Store faults surface as
// ErrArbitrationUnavailable, never as a silent grant.
func (c *Coordinator) Claim(ctx context.Context, channel string, req presence.LeaseRequest) (*presence.LeaseRecord, error) {
	if req.InstanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ok, err := c.client.SetNX(ctx, leaseKey(channel), req.InstanceID, ttl).Result()
	if err != nil {
		return nil, arbitrationErr(err)
	}
	if !ok {
		return nil, presence.ErrOccupied
	}

	now := time.Now().UTC()
	record := &presence.LeaseRecord{
		Channel:    channel,
		InstanceID: req.InstanceID,
		TabID:      req.TabID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Metadata:   req.Metadata,
	}
	c.writeRecord(ctx, channel, record, ttl)
	c.appendHistory(ctx, channel, req.InstanceID, now)

	c.logger.Info().Str("channel", channel).Str("holder", req.InstanceID).
		Time("expires", record.ExpiresAt).Msg("Lease claimed.")
	return record, nil
}

// Heartbeat extends the lease, but only while the caller is still the current
// recorded holder. If the lease expired and another instance claimed the
// channel, it fails with ErrNotHolder; the caller must treat that as immediate
// abdication and re-claim, never assume continued ownership.
func (c *Coordinator) Heartbeat(ctx context.Context, channel, instanceID string, ttl time.Duration) (*presence.LeaseRecord, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	keys := []string{leaseKey(channel), recordKey(channel)}
	res, err := c.client.Eval(ctx, heartbeatScript, keys, instanceID, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, arbitrationErr(err)
	}
	if res != 1 {
		return nil, presence.ErrNotHolder
	}

	record := c.readRecord(ctx, channel)
	if record == nil {
		record = &presence.LeaseRecord{Channel: channel, InstanceID: instanceID}
	}
	record.ExpiresAt = time.Now().UTC().Add(ttl)
	c.writeRecord(ctx, channel, record, ttl)
	return record, nil
}

// Release clears the lease immediately when the caller holds it; otherwise it
// fails with ErrNotHolder.
func (c *Coordinator) Release(ctx context.Context, channel, instanceID string) error {
	keys := []string{leaseKey(channel), recordKey(channel)}
	res, err := c.client.Eval(ctx, releaseScript, keys, instanceID).Int64()
	if err != nil {
		return arbitrationErr(err)
	}
	if res != 1 {
		return presence.ErrNotHolder
	}
	c.logger.Info().Str("channel", channel).Str("holder", instanceID).Msg("Lease released.")
	return nil
}

// Status reads the current holder and a bounded claim history.
func (c *Coordinator) Status(ctx context.Context, channel string) (*presence.LeaseStatus, error) {
	status := &presence.LeaseStatus{Channel: channel}

	holder, err := c.client.Get(ctx, leaseKey(channel)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Vacant.
	case err != nil:
		return nil, arbitrationErr(err)
	default:
		record := c.readRecord(ctx, channel)
		if record == nil {
			record = &presence.LeaseRecord{Channel: channel, InstanceID: holder}
		}
		status.Leader = record
	}

	entries, err := c.client.LRange(ctx, historyKey(channel), 0, c.historyLimit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to read claim history.")
		return status, nil
	}
	for _, raw := range entries {
		var entry presence.ClaimHistory
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		status.History = append(status.History, entry)
	}
	return status, nil
}

func (c *Coordinator) writeRecord(ctx context.Context, channel string, record *presence.LeaseRecord, ttl time.Duration) {
	payload, err := json.Marshal(record)
	if err != nil {
		c.logger.Error().Err(err).Str("channel", channel).Msg("Failed to marshal lease record.")
		return
	}
	if err := c.client.Set(ctx, recordKey(channel), payload, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to write lease record.")
	}
}

func (c *Coordinator) readRecord(ctx context.Context, channel string) *presence.LeaseRecord {
	raw, err := c.client.Get(ctx, recordKey(channel)).Result()
	if err != nil {
		return nil
	}
	var record presence.LeaseRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil
	}
	return &record
}

func (c *Coordinator) appendHistory(ctx context.Context, channel, instanceID string, at time.Time) {
	payload, err := json.Marshal(presence.ClaimHistory{InstanceID: instanceID, ClaimedAt: at})
	if err != nil {
		return
	}
	key := historyKey(channel)
	if err := c.client.LPush(ctx, key, payload).Err(); err != nil {
		c.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to append claim history.")
		return
	}
	_ = c.client.LTrim(ctx, key, 0, c.historyLimit-1).Err()
}

func arbitrationErr(err error) error {
	return fmt.Errorf("%w: %v", presence.ErrArbitrationUnavailable, err)
}

// key formatting helpers
func leaseKey(channel string) string   { return fmt.Sprintf("lease:%s", channel) }
func recordKey(channel string) string  { return fmt.Sprintf("lease:%s:record", channel) }
func historyKey(channel string) string { return fmt.Sprintf("lease:%s:history", channel) }
