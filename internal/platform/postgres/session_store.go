// Package postgres implements the relational last-seen/session fallback and
// the best-effort admission audit trail.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// dbExecutor defines the interface we need from pgxpool.Pool.
type dbExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SessionStore writes last-activity and session state directly to the
// relational database. It is the degraded-mode collaborator: eventual
// correctness without live push.
type SessionStore struct {
	db     dbExecutor
	logger zerolog.Logger
}

// NewSessionStore is the constructor for the relational fallback store.
func NewSessionStore(db dbExecutor, logger zerolog.Logger) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	return &SessionStore{
		db:     db,
		logger: logger.With().Str("component", "SessionStore").Logger(),
	}, nil
}

// UpdateLastActivity records that the user was active now.
func (s *SessionStore) UpdateLastActivity(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET last_activity = now()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to update last activity for %s: %w", userID, err)
	}
	return nil
}

// MarkSessionInactive flags the user's live session rows as ended.
func (s *SessionStore) MarkSessionInactive(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE user_sessions SET active = false, ended_at = now()
		WHERE user_id = $1 AND active
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to mark session inactive for %s: %w", userID, err)
	}
	return nil
}

// RecordRateLimitAudit stores one admission-rejection entry. Callers treat
// failure as non-fatal; the entry is best effort.
func (s *SessionStore) RecordRateLimitAudit(ctx context.Context, userID string, count int64, limit int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rate_limit_audit (user_id, counted, active_limit, created_at)
		VALUES ($1, $2, $3, now())
	`, userID, count, limit)
	if err != nil {
		return fmt.Errorf("failed to record rate limit audit for %s: %w", userID, err)
	}
	return nil
}
