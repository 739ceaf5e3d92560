package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	messageID string
	createdAt time.Time
	err       error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.messageID
	*(dest[1].(*time.Time)) = r.createdAt
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	sql  string
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.sql = sql
	q.args = args
	return q.row
}

func TestNewMessageStore_NilPool(t *testing.T) {
	_, err := NewMessageStore(nil, zerolog.Nop())
	require.Error(t, err)
}

func TestMessageStore_SendMessage(t *testing.T) {
	now := time.Now()
	db := &fakeQuerier{row: fakeRow{messageID: "msg-42", createdAt: now}}
	store, err := NewMessageStore(db, zerolog.Nop())
	require.NoError(t, err)

	msg, err := store.SendMessage(context.Background(), "user-a", "user-b", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-42", msg.MessageID)
	assert.Equal(t, now.UTC(), msg.Timestamp)
	assert.Contains(t, db.sql, "INSERT INTO messages")
	assert.Equal(t, []any{"user-a", "user-b", "hello"}, db.args)
}

func TestMessageStore_SendMessage_Error(t *testing.T) {
	db := &fakeQuerier{row: fakeRow{err: errors.New("deadlock detected")}}
	store, err := NewMessageStore(db, zerolog.Nop())
	require.NoError(t, err)

	_, err = store.SendMessage(context.Background(), "user-a", "user-b", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user-a")
}
