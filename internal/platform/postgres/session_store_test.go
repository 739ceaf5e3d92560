package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	queries []string
	args    [][]any
	err     error
}

func (f *fakeExecutor) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestNewSessionStore_NilPool(t *testing.T) {
	_, err := NewSessionStore(nil, zerolog.Nop())
	require.Error(t, err)
}

func TestSessionStore_UpdateLastActivity(t *testing.T) {
	db := &fakeExecutor{}
	store, err := NewSessionStore(db, zerolog.Nop())
	require.NoError(t, err)

	err = store.UpdateLastActivity(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "last_activity")
	assert.Equal(t, []any{"user-1"}, db.args[0])
}

func TestSessionStore_MarkSessionInactive(t *testing.T) {
	db := &fakeExecutor{}
	store, err := NewSessionStore(db, zerolog.Nop())
	require.NoError(t, err)

	err = store.MarkSessionInactive(context.Background(), "user-2")
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "active = false")
	assert.Equal(t, []any{"user-2"}, db.args[0])
}

func TestSessionStore_RecordRateLimitAudit(t *testing.T) {
	db := &fakeExecutor{}
	store, err := NewSessionStore(db, zerolog.Nop())
	require.NoError(t, err)

	err = store.RecordRateLimitAudit(context.Background(), "user-3", 31, 30)
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "rate_limit_audit")
	assert.Equal(t, []any{"user-3", int64(31), 30}, db.args[0])
}

func TestSessionStore_ExecError(t *testing.T) {
	db := &fakeExecutor{err: errors.New("connection refused")}
	store, err := NewSessionStore(db, zerolog.Nop())
	require.NoError(t, err)

	err = store.UpdateLastActivity(context.Background(), "user-4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user-4")
}
