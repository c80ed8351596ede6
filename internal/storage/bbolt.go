package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketFriends       = []byte("friends")
	bucketConversations = []byte("conversations")
	bucketPairs         = []byte("conversation_pairs")
	bucketGroups        = []byte("groups")
	bucketMessages      = []byte("messages")
	// undelivered/<userID>/<messageID> and unread/<userID>/<chatKey>/<messageID>
	// index receipts that still wait for a transition.
	bucketUndelivered = []byte("undelivered")
	bucketUnread      = []byte("unread")
)

var indexMark = []byte{1}

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketFriends,
			bucketConversations,
			bucketPairs,
			bucketGroups,
			bucketMessages,
			bucketUndelivered,
			bucketUnread,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}

func get(b *bbolt.Bucket, key []byte, s Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return s.UnmarshalBinary(data)
}

// UpsertUser stores a new or updated user.
func (s *BboltStorage) UpsertUser(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if user.ID == "" {
		return fmt.Errorf("user id is empty: %w", models.ErrInvalidPayload)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
			ID:        user.ID,
			UserName:  user.UserName,
			AvatarURL: user.AvatarURL,
			LastSeen:  toNano(user.LastSeen),
		})
	})
}

func (s *BboltStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketUsers), []byte(id), &dbUser)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return dbUser.toModel(), nil
}

// SetLastSeen records the moment the user's last connection closed.
func (s *BboltStorage) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dbUser DBUser
		if err := get(b, []byte(userID), &dbUser); err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		dbUser.LastSeen = at.UnixNano()
		return put(b, &dbUser)
	})
}

// SetFriendship stores the status of the edge from userID to friendID.
func (s *BboltStorage) SetFriendship(ctx context.Context, userID, friendID string, status models.FriendStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketFriends), &DBFriend{
			UserID:   userID,
			FriendID: friendID,
			Status:   string(status),
		})
	})
}

// IsAcceptedFriend reports whether a has b in its friends list with accepted status.
func (s *BboltStorage) IsAcceptedFriend(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var accepted bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var f DBFriend
		err := get(tx.Bucket(bucketFriends), pairKey(a, b), &f)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		accepted = models.FriendStatus(f.Status) == models.FriendStatusAccepted
		return nil
	})
	return accepted, err
}

// CreateConversation returns the conversation between a and b, creating it
// if the pair has none yet.
func (s *BboltStorage) CreateConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	if a == "" || b == "" || a == b {
		return models.Conversation{}, fmt.Errorf("conversation needs two distinct users: %w", models.ErrInvalidPayload)
	}
	ids := []string{a, b}
	slices.Sort(ids)

	var conv DBConversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range ids {
			if users.Get([]byte(id)) == nil {
				return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
			}
		}

		pairs := tx.Bucket(bucketPairs)
		convs := tx.Bucket(bucketConversations)
		key := pairKey(ids[0], ids[1])
		if existing := pairs.Get(key); existing != nil {
			return get(convs, existing, &conv)
		}

		conv = DBConversation{
			ID:            uuid.NewString(),
			Participants:  ids,
			LastMessageAt: time.Now().UnixNano(),
		}
		if err := put(convs, &conv); err != nil {
			return err
		}
		return pairs.Put(key, conv.Key())
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv.toModel(), nil
}

func (s *BboltStorage) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	var conv DBConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketConversations), []byte(id), &conv)
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
	}
	return conv.toModel(), nil
}

// UpsertGroup stores a group, assigning an id when it has none.
// Admins must be a subset of members.
func (s *BboltStorage) UpsertGroup(ctx context.Context, group models.Group) (models.Group, error) {
	if err := ctx.Err(); err != nil {
		return models.Group{}, err
	}
	group = normalizeGroup(group)
	if err := validateGroup(group); err != nil {
		return models.Group{}, err
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketGroups), &DBGroup{
			ID:        group.ID,
			Name:      group.Name,
			Members:   group.Members,
			Admins:    group.Admins,
			Icon:      group.Icon,
			CreatedBy: group.CreatedBy,
		})
	})
	return group, err
}

func (s *BboltStorage) GetGroup(ctx context.Context, id string) (models.Group, error) {
	if err := ctx.Err(); err != nil {
		return models.Group{}, err
	}
	var group DBGroup
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketGroups), []byte(id), &group)
	})
	if err != nil {
		return models.Group{}, fmt.Errorf("group %s: %w", id, err)
	}
	return group.toModel(), nil
}

// CreateMessage saves the message with its receipts, indexes every pending
// receipt and, for private chats, moves the conversation last activity
// forward. All of it happens in one transaction.
func (s *BboltStorage) CreateMessage(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateMessage(msg); err != nil {
		return err
	}
	dbMsg := newDBMessage(msg)
	chat := chatKey(msg.ChatType, msg.TargetID())

	return s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		if msgs.Get(dbMsg.Key()) != nil {
			return fmt.Errorf("message %s already exists", msg.ID)
		}

		if msg.ChatType == models.ChatTypePrivate {
			if err := touchConversation(tx, msg.ConversationID, dbMsg.CreatedAt); err != nil {
				return err
			}
		}

		if err := put(msgs, dbMsg); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		for _, r := range dbMsg.Receipts {
			if r.DeliveredAt == 0 {
				if err := setIndex(tx, bucketUndelivered, dbMsg.Key(), r.UserID); err != nil {
					return fmt.Errorf("failed to index undelivered receipt: %w", err)
				}
			}
			if r.ReadAt == 0 {
				if err := setIndex(tx, bucketUnread, dbMsg.Key(), r.UserID, chat); err != nil {
					return fmt.Errorf("failed to index unread receipt: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *BboltStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var dbMsg DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketMessages), []byte(id), &dbMsg)
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return dbMsg.toModel(), nil
}

// UpdateReceipt applies fields to the receipt of userID on the message.
// Fields that are already set are never overwritten and setting ReadAt also
// sets a missing DeliveredAt. The returned flag is false when nothing changed.
func (s *BboltStorage) UpdateReceipt(ctx context.Context, messageID, userID string, fields models.ReceiptFields) (models.ReceiptUpdate, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ReceiptUpdate{}, false, err
	}
	var (
		update  models.ReceiptUpdate
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		update, changed, err = applyReceipt(tx, []byte(messageID), userID, fields)
		return err
	})
	return update, changed, err
}

// MarkDelivered sets deliveredAt on every undelivered receipt of the user.
func (s *BboltStorage) MarkDelivered(ctx context.Context, userID string, at time.Time) ([]models.ReceiptUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updates []models.ReceiptUpdate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ids := indexKeys(tx, bucketUndelivered, userID)
		for _, id := range ids {
			u, changed, err := applyReceipt(tx, id, userID, models.ReceiptFields{DeliveredAt: &at})
			if errors.Is(err, models.ErrNotFound) {
				// Stale index entry.
				if err := deleteIndex(tx, bucketUndelivered, id, userID); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if changed {
				updates = append(updates, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// MarkRead sets readAt (and a missing deliveredAt) on every unread receipt
// of the user in one chat.
func (s *BboltStorage) MarkRead(ctx context.Context, userID string, chatType models.ChatType, targetID string, at time.Time) ([]models.ReceiptUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chat := chatKey(chatType, targetID)
	var updates []models.ReceiptUpdate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ids := indexKeys(tx, bucketUnread, userID, chat)
		for _, id := range ids {
			u, changed, err := applyReceipt(tx, id, userID, models.ReceiptFields{ReadAt: &at})
			if errors.Is(err, models.ErrNotFound) {
				if err := deleteIndex(tx, bucketUnread, id, userID, chat); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if changed {
				updates = append(updates, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

func applyReceipt(tx *bbolt.Tx, messageID []byte, userID string, fields models.ReceiptFields) (models.ReceiptUpdate, bool, error) {
	msgs := tx.Bucket(bucketMessages)
	var m DBMessage
	if err := get(msgs, messageID, &m); err != nil {
		return models.ReceiptUpdate{}, false, fmt.Errorf("message %s: %w", messageID, err)
	}
	r := m.receipt(userID)
	if r == nil || m.SenderID == userID {
		return models.ReceiptUpdate{}, false, fmt.Errorf("receipt %s/%s: %w", messageID, userID, models.ErrNotFound)
	}

	update := models.ReceiptUpdate{
		MessageID: m.ID,
		UserID:    userID,
		SenderID:  m.SenderID,
		ChatType:  models.ChatType(m.ChatType),
		TargetID:  m.targetID(),
	}
	current := models.Receipt{
		UserID:      userID,
		DeliveredAt: fromNano(r.DeliveredAt),
		ReadAt:      fromNano(r.ReadAt),
	}
	next, status, changed := current.Apply(fields)
	if !changed {
		return update, false, nil
	}

	if current.DeliveredAt == nil {
		if err := deleteIndex(tx, bucketUndelivered, messageID, userID); err != nil {
			return update, false, err
		}
	}
	if next.ReadAt != nil {
		if err := deleteIndex(tx, bucketUnread, messageID, userID, chatKey(update.ChatType, update.TargetID)); err != nil {
			return update, false, err
		}
	}

	r.DeliveredAt = toNano(next.DeliveredAt)
	r.ReadAt = toNano(next.ReadAt)
	update.Status = status
	update.At = *next.DeliveredAt
	if status == models.ReceiptStatusRead {
		update.At = *next.ReadAt
	}

	if err := put(msgs, &m); err != nil {
		return update, false, fmt.Errorf("failed to put message: %w", err)
	}
	return update, true, nil
}

func touchConversation(tx *bbolt.Tx, id string, at int64) error {
	b := tx.Bucket(bucketConversations)
	var conv DBConversation
	if err := get(b, []byte(id), &conv); err != nil {
		return fmt.Errorf("conversation %s: %w", id, err)
	}
	if at <= conv.LastMessageAt {
		return nil
	}
	conv.LastMessageAt = at
	return put(b, &conv)
}

// setIndex puts key into the bucket reached by walking path under root,
// creating nested buckets on the way.
func setIndex(tx *bbolt.Tx, root, key []byte, path ...string) error {
	b := tx.Bucket(root)
	for _, p := range path {
		var err error
		b, err = b.CreateBucketIfNotExists([]byte(p))
		if err != nil {
			return err
		}
	}
	return b.Put(key, indexMark)
}

// deleteIndex removes key from the nested bucket and drops buckets left empty.
func deleteIndex(tx *bbolt.Tx, root, key []byte, path ...string) error {
	chain := []*bbolt.Bucket{tx.Bucket(root)}
	for _, p := range path {
		next := chain[len(chain)-1].Bucket([]byte(p))
		if next == nil {
			return nil
		}
		chain = append(chain, next)
	}
	if err := chain[len(chain)-1].Delete(key); err != nil {
		return err
	}
	for i := len(path) - 1; i >= 0; i-- {
		if k, _ := chain[i+1].Cursor().First(); k != nil {
			return nil
		}
		if err := chain[i].DeleteBucket([]byte(path[i])); err != nil {
			return err
		}
	}
	return nil
}

// indexKeys copies the keys of a nested index bucket so callers can modify
// the index while walking the result.
func indexKeys(tx *bbolt.Tx, root []byte, path ...string) [][]byte {
	b := tx.Bucket(root)
	for _, p := range path {
		if b = b.Bucket([]byte(p)); b == nil {
			return nil
		}
	}
	var keys [][]byte
	_ = b.ForEach(func(k, _ []byte) error {
		keys = append(keys, slices.Clone(k))
		return nil
	})
	return keys
}
