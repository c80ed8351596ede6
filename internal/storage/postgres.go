package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT '',
	last_seen  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS friendships (
	user_id   TEXT NOT NULL,
	friend_id TEXT NOT NULL,
	status    TEXT NOT NULL,
	PRIMARY KEY (user_id, friend_id)
);
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	user_low        TEXT NOT NULL,
	user_high       TEXT NOT NULL,
	last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_low, user_high)
);
CREATE TABLE IF NOT EXISTS groups (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	icon       TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	members    TEXT[] NOT NULL,
	admins     TEXT[] NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	chat_type       TEXT NOT NULL,
	conversation_id TEXT,
	group_id        TEXT,
	sender_id       TEXT NOT NULL,
	sender_name     TEXT NOT NULL,
	type            TEXT NOT NULL,
	text            TEXT NOT NULL DEFAULT '',
	file_url        TEXT NOT NULL DEFAULT '',
	file_name       TEXT NOT NULL DEFAULT '',
	file_size       BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	CHECK ((chat_type = 'private' AND conversation_id IS NOT NULL AND group_id IS NULL)
		OR (chat_type = 'group' AND group_id IS NOT NULL AND conversation_id IS NULL))
);
CREATE TABLE IF NOT EXISTS message_receipts (
	message_id   TEXT NOT NULL REFERENCES messages (id),
	user_id      TEXT NOT NULL,
	delivered_at TIMESTAMPTZ,
	read_at      TIMESTAMPTZ,
	PRIMARY KEY (message_id, user_id),
	CHECK (read_at IS NULL OR delivered_at IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS message_receipts_undelivered ON message_receipts (user_id) WHERE delivered_at IS NULL;
CREATE INDEX IF NOT EXISTS message_receipts_unread ON message_receipts (user_id) WHERE read_at IS NULL;
`

// PostgresStorage implements the same store contract as BboltStorage on top
// of database/sql.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// OpenPostgres connects to the database and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := NewPostgresStorage(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) UpsertUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is empty: %w", models.ErrInvalidPayload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, avatar_url, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = $2, avatar_url = $3, last_seen = $4
	`, user.ID, user.UserName, user.AvatarURL, nullTime(user.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	var (
		user     models.User
		lastSeen sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, avatar_url, last_seen FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.UserName, &user.AvatarURL, &lastSeen)
	if err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", id, notFound(err))
	}
	user.LastSeen = timePtr(lastSeen)
	return user, nil
}

func (s *PostgresStorage) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to set last seen: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) SetFriendship(ctx context.Context, userID, friendID string, status models.FriendStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO friendships (user_id, friend_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, friend_id) DO UPDATE SET status = $3
	`, userID, friendID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set friendship: %w", err)
	}
	return nil
}

func (s *PostgresStorage) IsAcceptedFriend(ctx context.Context, a, b string) (bool, error) {
	var accepted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2 AND status = $3)
	`, a, b, string(models.FriendStatusAccepted)).Scan(&accepted)
	if err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return accepted, nil
}

func (s *PostgresStorage) CreateConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	if a == "" || b == "" || a == b {
		return models.Conversation{}, fmt.Errorf("conversation needs two distinct users: %w", models.ErrInvalidPayload)
	}
	ids := []string{a, b}
	slices.Sort(ids)

	conv := models.Conversation{Participants: ids}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, user_low, user_high, last_message_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = EXCLUDED.user_low
		RETURNING id, last_message_at
	`, uuid.NewString(), ids[0], ids[1]).Scan(&conv.ID, &conv.LastMessageAt)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var (
		conv      models.Conversation
		low, high string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_low, user_high, last_message_at FROM conversations WHERE id = $1
	`, id).Scan(&conv.ID, &low, &high, &conv.LastMessageAt)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, notFound(err))
	}
	conv.Participants = []string{low, high}
	return conv, nil
}

func (s *PostgresStorage) UpsertGroup(ctx context.Context, group models.Group) (models.Group, error) {
	group = normalizeGroup(group)
	if err := validateGroup(group); err != nil {
		return models.Group{}, err
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, icon, created_by, members, admins)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, icon = $3, members = $5, admins = $6
	`, group.ID, group.Name, group.Icon, group.CreatedBy, pq.Array(group.Members), pq.Array(group.Admins))
	if err != nil {
		return models.Group{}, fmt.Errorf("failed to upsert group: %w", err)
	}
	return group, nil
}

func (s *PostgresStorage) GetGroup(ctx context.Context, id string) (models.Group, error) {
	var group models.Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, icon, created_by, members, admins FROM groups WHERE id = $1
	`, id).Scan(&group.ID, &group.Name, &group.Icon, &group.CreatedBy, pq.Array(&group.Members), pq.Array(&group.Admins))
	if err != nil {
		return models.Group{}, fmt.Errorf("group %s: %w", id, notFound(err))
	}
	return group, nil
}

// CreateMessage inserts the message and its receipts in one transaction and
// moves the conversation last activity for private chats.
func (s *PostgresStorage) CreateMessage(ctx context.Context, msg models.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_type, conversation_id, group_id, sender_id, sender_name,
			type, text, file_url, file_name, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, msg.ID, string(msg.ChatType), nullString(msg.ConversationID), nullString(msg.GroupID),
		msg.SenderID, msg.SenderName, string(msg.Type), msg.Text, msg.FileURL, msg.FileName, msg.FileSize, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	for _, r := range msg.Receipts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
			VALUES ($1, $2, $3, $4)
		`, msg.ID, r.UserID, nullTime(r.DeliveredAt), nullTime(r.ReadAt))
		if err != nil {
			return fmt.Errorf("failed to insert receipt: %w", err)
		}
	}

	if msg.ChatType == models.ChatTypePrivate {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1
		`, msg.ConversationID, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, models.ErrNotFound)
		}
	}

	return tx.Commit()
}

func (s *PostgresStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var (
		msg                   models.Message
		chatType, msgType     string
		conversation, groupID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_type, conversation_id, group_id, sender_id, sender_name,
			type, text, file_url, file_name, file_size, created_at
		FROM messages WHERE id = $1
	`, id).Scan(&msg.ID, &chatType, &conversation, &groupID, &msg.SenderID, &msg.SenderName,
		&msgType, &msg.Text, &msg.FileURL, &msg.FileName, &msg.FileSize, &msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, notFound(err))
	}
	msg.ChatType = models.ChatType(chatType)
	msg.Type = models.MessageType(msgType)
	msg.ConversationID = conversation.String
	msg.GroupID = groupID.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, delivered_at, read_at FROM message_receipts WHERE message_id = $1 ORDER BY user_id
	`, id)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to fetch receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msg.Receipts = []models.Receipt{}
	for rows.Next() {
		var (
			r               models.Receipt
			delivered, read sql.NullTime
		)
		if err := rows.Scan(&r.UserID, &delivered, &read); err != nil {
			return models.Message{}, err
		}
		r.DeliveredAt = timePtr(delivered)
		r.ReadAt = timePtr(read)
		msg.Receipts = append(msg.Receipts, r)
	}
	return msg, rows.Err()
}

// UpdateReceipt locks the receipt row, applies fields monotonically and
// writes the result back.
func (s *PostgresStorage) UpdateReceipt(ctx context.Context, messageID, userID string, fields models.ReceiptFields) (models.ReceiptUpdate, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ReceiptUpdate{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := models.ReceiptUpdate{MessageID: messageID, UserID: userID}
	var (
		chatType        string
		delivered, read sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT m.sender_id, m.chat_type, COALESCE(m.conversation_id, m.group_id), r.delivered_at, r.read_at
		FROM message_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE r.message_id = $1 AND r.user_id = $2
		FOR UPDATE OF r
	`, messageID, userID).Scan(&update.SenderID, &chatType, &update.TargetID, &delivered, &read)
	if err != nil {
		return models.ReceiptUpdate{}, false, fmt.Errorf("receipt %s/%s: %w", messageID, userID, notFound(err))
	}
	update.ChatType = models.ChatType(chatType)

	current := models.Receipt{UserID: userID, DeliveredAt: timePtr(delivered), ReadAt: timePtr(read)}
	next, status, changed := current.Apply(fields)
	if !changed {
		return update, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE message_receipts SET delivered_at = $3, read_at = $4
		WHERE message_id = $1 AND user_id = $2
	`, messageID, userID, nullTime(next.DeliveredAt), nullTime(next.ReadAt))
	if err != nil {
		return models.ReceiptUpdate{}, false, fmt.Errorf("failed to update receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ReceiptUpdate{}, false, err
	}

	update.Status = status
	update.At = *next.DeliveredAt
	if status == models.ReceiptStatusRead {
		update.At = *next.ReadAt
	}
	return update, true, nil
}

func (s *PostgresStorage) MarkDelivered(ctx context.Context, userID string, at time.Time) ([]models.ReceiptUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE message_receipts r
		SET delivered_at = $2
		FROM messages m
		WHERE m.id = r.message_id AND r.user_id = $1 AND r.delivered_at IS NULL
		RETURNING r.message_id, m.sender_id, m.chat_type, COALESCE(m.conversation_id, m.group_id)
	`, userID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark delivered: %w", err)
	}
	return scanUpdates(rows, userID, models.ReceiptStatusDelivered, at)
}

func (s *PostgresStorage) MarkRead(ctx context.Context, userID string, chatType models.ChatType, targetID string, at time.Time) ([]models.ReceiptUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE message_receipts r
		SET delivered_at = COALESCE(r.delivered_at, $4), read_at = $4
		FROM messages m
		WHERE m.id = r.message_id AND r.user_id = $1 AND r.read_at IS NULL
			AND m.sender_id <> $1 AND m.chat_type = $2
			AND COALESCE(m.conversation_id, m.group_id) = $3
		RETURNING r.message_id, m.sender_id, m.chat_type, COALESCE(m.conversation_id, m.group_id)
	`, userID, string(chatType), targetID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	return scanUpdates(rows, userID, models.ReceiptStatusRead, at)
}

func scanUpdates(rows *sql.Rows, userID string, status models.ReceiptStatus, at time.Time) ([]models.ReceiptUpdate, error) {
	defer func() { _ = rows.Close() }()

	var updates []models.ReceiptUpdate
	for rows.Next() {
		u := models.ReceiptUpdate{UserID: userID, Status: status, At: at}
		var chatType string
		if err := rows.Scan(&u.MessageID, &u.SenderID, &chatType, &u.TargetID); err != nil {
			return nil, err
		}
		u.ChatType = models.ChatType(chatType)
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return updates, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
