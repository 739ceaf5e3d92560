// Package delivery orchestrates the send path: admission control, optimistic
// fan-out, asynchronous durable persistence, and confirmation/failure
// reconciliation correlated by tempId.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const persistTimeout = 15 * time.Second

// rateLimiter is the admission-control dependency.
type rateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, window time.Duration) (int64, error)
}

// roomSender delivers frames to the per-user rooms involved in a conversation.
type roomSender interface {
	ToUser(userID string, frame presence.Frame) int
}

// loadMeter is the injected load-metrics handle feeding admission and fan-out
// decisions.
type loadMeter interface {
	ConnectionCount() int64
	HighLoad() bool
	Classification() presence.LoadClass
	MessageAdmitted()
	MessageRejected()
	ObservePersistence(d time.Duration)
}

// Config bounds the pipeline's admission and fan-out behavior.
type Config struct {
	// Window is the fixed rate-limit window per sender.
	Window time.Duration
	// LimitNormal / LimitHighLoad are the adaptive per-window send limits.
	LimitNormal   int
	LimitHighLoad int
	// OptimisticMaxConnections is the protective high-water mark: at or above
	// this many live connections, optimistic fan-out is skipped entirely and
	// both parties wait for confirmation.
	OptimisticMaxConnections int64
}

// Pipeline is the message delivery pipeline for one instance.
type Pipeline struct {
	cfg       Config
	limiter   rateLimiter
	rooms     roomSender
	persister presence.MessagePersister
	sessions  presence.SessionStore
	load      loadMeter
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewPipeline wires the delivery pipeline.
func NewPipeline(
	cfg Config,
	limiter rateLimiter,
	rooms roomSender,
	persister presence.MessagePersister,
	sessions presence.SessionStore,
	load loadMeter,
	logger zerolog.Logger,
) (*Pipeline, error) {
	if limiter == nil || rooms == nil || persister == nil || load == nil {
		return nil, fmt.Errorf("limiter, rooms, persister and load cannot be nil")
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LimitNormal <= 0 {
		cfg.LimitNormal = 30
	}
	if cfg.LimitHighLoad <= 0 {
		cfg.LimitHighLoad = cfg.LimitNormal / 2
	}
	if cfg.OptimisticMaxConnections <= 0 {
		cfg.OptimisticMaxConnections = 10000
	}
	return &Pipeline{
		cfg:       cfg,
		limiter:   limiter,
		rooms:     rooms,
		persister: persister,
		sessions:  sessions,
		load:      load,
		logger:    logger.With().Str("component", "DeliveryPipeline").Logger(),
	}, nil
}

// Wait blocks until all in-flight persistence and audit tasks complete.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Send admits, optimistically delivers, and durably persists one message.
//
// The returned Receipt is the typed two-phase result: the message is accepted
// under TempID immediately, and Receipt.Outcome resolves exactly once to
// CONFIRMED (with the durable id) or FAILED. A dropped caller cancels nothing:
// persistence still completes and an orphaned confirmation is simply
// undelivered.
func (p *Pipeline) Send(ctx context.Context, senderID, receiverID, content, tempID string) (*presence.Receipt, error) {
	if senderID == receiverID {
		return nil, presence.ErrSelfMessage
	}
	if tempID == "" {
		tempID = uuid.NewString()
	}
	log := p.logger.With().Str("sender", senderID).Str("receiver", receiverID).Str("temp_id", tempID).Logger()

	// Admission control with an adaptive limit: tighter under high load.
	loadClass := p.load.Classification()
	limit := p.cfg.LimitNormal
	if loadClass == presence.LoadHigh {
		limit = p.cfg.LimitHighLoad
	}

	count, err := p.limiter.CheckAndIncrement(ctx, senderKey(senderID), p.cfg.Window)
	if err != nil {
		// Fail open: a cache outage must never block legitimate traffic.
		log.Warn().Err(err).Msg("Rate limiter unavailable, admitting send.")
	} else if count > int64(limit) {
		p.load.MessageRejected()
		p.auditRejection(senderID, count, limit)
		return nil, &presence.AdmissionError{Limit: limit, Count: count, LoadClass: loadClass}
	}

	p.load.MessageAdmitted()

	now := time.Now().UTC()
	pending := presence.PendingMessage{
		TempID:     tempID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		State:      presence.DeliverySending,
		SentAt:     now,
	}

	// Optimistic delivery, skipped wholesale above the high-water mark to
	// protect throughput under extreme load.
	if p.load.ConnectionCount() < p.cfg.OptimisticMaxConnections {
		frame, err := presence.NewFrame(presence.EventMessageNew, pending)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build optimistic frame.")
		} else {
			p.rooms.ToUser(receiverID, frame)
			p.rooms.ToUser(senderID, frame)
		}
	} else {
		log.Debug().Int64("connections", p.load.ConnectionCount()).Msg("Above high-water mark, skipping optimistic fan-out.")
	}

	outcome := make(chan presence.Outcome, 1)
	p.wg.Add(1)
	go p.persist(pending, outcome, log)

	return &presence.Receipt{TempID: tempID, Outcome: outcome}, nil
}

// persist runs the durable write and reconciles both parties by tempId.
// Confirmation order follows persistence-completion order, which may differ
// from send order under concurrent sends; consumers reconcile by tempId.
func (p *Pipeline) persist(pending presence.PendingMessage, outcome chan<- presence.Outcome, log zerolog.Logger) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	start := time.Now()
	persisted, err := p.persister.SendMessage(ctx, pending.SenderID, pending.ReceiverID, pending.Content)
	p.load.ObservePersistence(time.Since(start))

	if err != nil {
		log.Error().Err(err).Msg("Message persistence failed.")
		failure := struct {
			TempID string                 `json:"tempId"`
			State  presence.DeliveryState `json:"state"`
			Reason string                 `json:"reason"`
		}{pending.TempID, presence.DeliveryFailed, err.Error()}

		if frame, ferr := presence.NewFrame(presence.EventMessageFailed, failure); ferr == nil {
			p.rooms.ToUser(pending.ReceiverID, frame)
			p.rooms.ToUser(pending.SenderID, frame)
		}
		outcome <- presence.Outcome{
			TempID: pending.TempID,
			State:  presence.DeliveryFailed,
			Err:    fmt.Errorf("%w: %v", presence.ErrPersistenceFailed, err),
		}
		close(outcome)
		return
	}

	confirmed := struct {
		TempID    string                 `json:"tempId"`
		MessageID string                 `json:"messageId"`
		State     presence.DeliveryState `json:"state"`
		Timestamp time.Time              `json:"timestamp"`
	}{pending.TempID, persisted.MessageID, presence.DeliveryConfirmed, persisted.Timestamp}

	if frame, ferr := presence.NewFrame(presence.EventMessageConfirmed, confirmed); ferr == nil {
		p.rooms.ToUser(pending.ReceiverID, frame)
		p.rooms.ToUser(pending.SenderID, frame)
	}
	// Lightweight ping so the sender's other UI surfaces can refresh.
	if frame, ferr := presence.NewFrame(presence.EventMessageSentUpdate, map[string]string{"tempId": pending.TempID}); ferr == nil {
		p.rooms.ToUser(pending.SenderID, frame)
	}

	outcome <- presence.Outcome{
		TempID:    pending.TempID,
		State:     presence.DeliveryConfirmed,
		MessageID: persisted.MessageID,
		Timestamp: persisted.Timestamp,
	}
	close(outcome)
}

// auditRejection writes a best-effort audit entry for a rejected send.
// Failure to audit is non-fatal.
func (p *Pipeline) auditRejection(senderID string, count int64, limit int) {
	if p.sessions == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.sessions.RecordRateLimitAudit(ctx, senderID, count, limit); err != nil {
			p.logger.Warn().Err(err).Str("sender", senderID).Msg("Failed to record admission audit entry.")
		}
	}()
}

func senderKey(senderID string) string { return fmt.Sprintf("rate:msg:%s", senderID) }
