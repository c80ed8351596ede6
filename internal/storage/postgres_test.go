package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStorage(db), mock
}

func TestPostgres_IsAcceptedFriend(t *testing.T) {
	store, mock := newMockStorage(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("alice", "bob", "accepted").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.IsAcceptedFriend(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetConversationNotFound(t *testing.T) {
	store, mock := newMockStorage(t)

	mock.ExpectQuery("FROM conversations WHERE id").
		WithArgs("c1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetConversation(context.Background(), "c1")
	assert.True(t, errors.Is(err, models.ErrNotFound), "expected ErrNotFound, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetConversation(t *testing.T) {
	store, mock := newMockStorage(t)
	now := time.Now()

	mock.ExpectQuery("FROM conversations WHERE id").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_low", "user_high", "last_message_at"}).
			AddRow("c1", "alice", "bob", now))

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	peer, ok := conv.Peer("bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", peer)
}

func testMessage() models.Message {
	return models.Message{
		ID:             "m1",
		ChatType:       models.ChatTypePrivate,
		ConversationID: "c1",
		SenderID:       "alice",
		SenderName:     "alice",
		MessagePayload: models.MessagePayload{Type: models.MessageTypeText, Text: "hi"},
		CreatedAt:      time.Now(),
		Receipts:       []models.Receipt{{UserID: "bob"}},
	}
}

func TestPostgres_CreateMessage(t *testing.T) {
	store, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO message_receipts").
		WithArgs("m1", "bob", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET last_message_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateMessage(context.Background(), testMessage()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateMessageRollsBack(t *testing.T) {
	store, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO message_receipts").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.CreateMessage(context.Background(), testMessage())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateMessageMissingConversation(t *testing.T) {
	store, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO message_receipts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET last_message_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CreateMessage(context.Background(), testMessage())
	assert.True(t, errors.Is(err, models.ErrNotFound), "expected ErrNotFound, got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkDelivered(t *testing.T) {
	store, mock := newMockStorage(t)
	at := time.Now()

	mock.ExpectQuery("UPDATE message_receipts r").
		WithArgs("bob", at).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "sender_id", "chat_type", "target_id"}).
			AddRow("m1", "alice", "private", "c1").
			AddRow("m2", "carol", "group", "g1"))

	updates, err := store.MarkDelivered(context.Background(), "bob", at)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, models.ReceiptUpdate{
		MessageID: "m1",
		UserID:    "bob",
		SenderID:  "alice",
		ChatType:  models.ChatTypePrivate,
		TargetID:  "c1",
		Status:    models.ReceiptStatusDelivered,
		At:        at,
	}, updates[0])
	assert.Equal(t, models.ChatTypeGroup, updates[1].ChatType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkReadNoRows(t *testing.T) {
	store, mock := newMockStorage(t)
	at := time.Now()

	mock.ExpectQuery("UPDATE message_receipts r").
		WithArgs("bob", "private", "c1", at).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "sender_id", "chat_type", "target_id"}))

	updates, err := store.MarkRead(context.Background(), "bob", models.ChatTypePrivate, "c1", at)
	require.NoError(t, err)
	assert.Empty(t, updates)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateReceipt(t *testing.T) {
	store, mock := newMockStorage(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF r").
		WithArgs("m1", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"sender_id", "chat_type", "target_id", "delivered_at", "read_at"}).
			AddRow("alice", "private", "c1", nil, nil))
	mock.ExpectExec("UPDATE message_receipts SET delivered_at").
		WithArgs("m1", "bob", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	update, changed, err := store.UpdateReceipt(context.Background(), "m1", "bob", models.ReceiptFields{ReadAt: &at})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.ReceiptStatusRead, update.Status)
	assert.Equal(t, "alice", update.SenderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateReceiptAlreadyRead(t *testing.T) {
	store, mock := newMockStorage(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF r").
		WithArgs("m1", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"sender_id", "chat_type", "target_id", "delivered_at", "read_at"}).
			AddRow("alice", "private", "c1", at, at))
	mock.ExpectRollback()

	_, changed, err := store.UpdateReceipt(context.Background(), "m1", "bob", models.ReceiptFields{ReadAt: &at})
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}
