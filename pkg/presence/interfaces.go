package presence

import (
	"context"
)

// MessagePersister is the durable message-persistence collaborator. The core
// never retries a failed persist; it only reports the outcome.
type MessagePersister interface {
	SendMessage(ctx context.Context, senderID, receiverID, content string) (PersistedMessage, error)
}

// SessionStore is the relational fallback collaborator used when the shared
// store is degraded, and for best-effort audit writes.
type SessionStore interface {
	// UpdateLastActivity records a last-active timestamp for the user.
	UpdateLastActivity(ctx context.Context, userID string) error
	// MarkSessionInactive flags the user's session as no longer live.
	MarkSessionInactive(ctx context.Context, userID string) error
	// RecordRateLimitAudit writes a best-effort audit entry for a rejected
	// send. Failure to audit is non-fatal to the caller.
	RecordRateLimitAudit(ctx context.Context, userID string, count int64, limit int) error
}

// EventBus propagates presence events between service instances. Delivery is
// at-least-once; events are content-idempotent so duplicates are tolerated.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe starts delivering events to handler until ctx is cancelled or
	// the bus is closed. It does not block.
	Subscribe(ctx context.Context, handler func(Event)) error
	Close() error
}
