package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// rowQuerier defines the interface we need from pgxpool.Pool.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MessageStore persists messages to the relational database. It is the
// production MessagePersister; the delivery pipeline treats it as a black
// box that either durably stores a message or fails.
type MessageStore struct {
	db     rowQuerier
	logger zerolog.Logger
}

// NewMessageStore is the constructor for the durable message store.
func NewMessageStore(db rowQuerier, logger zerolog.Logger) (*MessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	return &MessageStore{
		db:     db,
		logger: logger.With().Str("component", "MessageStore").Logger(),
	}, nil
}

// SendMessage inserts the message and returns its durable identity.
func (s *MessageStore) SendMessage(ctx context.Context, senderID, receiverID, content string) (presence.PersistedMessage, error) {
	var (
		messageID string
		createdAt time.Time
	)
	err := s.db.QueryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, created_at
	`, senderID, receiverID, content).Scan(&messageID, &createdAt)
	if err != nil {
		return presence.PersistedMessage{}, fmt.Errorf("failed to persist message from %s: %w", senderID, err)
	}
	return presence.PersistedMessage{MessageID: messageID, Timestamp: createdAt.UTC()}, nil
}
