package storage

import (
	"encoding"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID        string `msgpack:"id"`
	UserName  string `msgpack:"userName"`
	AvatarURL string `msgpack:"avatarUrl"`
	LastSeen  int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:        u.ID,
		UserName:  u.UserName,
		AvatarURL: u.AvatarURL,
		LastSeen:  fromNano(u.LastSeen),
	}
}

// DBFriend is one directed friendship edge. The key is (UserID, FriendID).
type DBFriend struct {
	UserID   string `msgpack:"userId"`
	FriendID string `msgpack:"friendId"`
	Status   string `msgpack:"status"`
}

func (f *DBFriend) Key() []byte {
	return pairKey(f.UserID, f.FriendID)
}

func (f *DBFriend) MarshalBinary() (data []byte, err error) {
	type alias DBFriend
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFriend) UnmarshalBinary(data []byte) error {
	type alias DBFriend
	return msgpack.Unmarshal(data, (*alias)(f))
}

type DBConversation struct {
	ID            string   `msgpack:"id"`
	Participants  []string `msgpack:"participants"`
	LastMessageAt int64    `msgpack:"lastMessageAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) toModel() models.Conversation {
	conv := models.Conversation{
		ID:           c.ID,
		Participants: c.Participants,
	}
	if c.LastMessageAt != 0 {
		conv.LastMessageAt = time.Unix(0, c.LastMessageAt).UTC()
	}
	return conv
}

type DBGroup struct {
	ID        string   `msgpack:"id"`
	Name      string   `msgpack:"name"`
	Members   []string `msgpack:"members"`
	Admins    []string `msgpack:"admins"`
	Icon      string   `msgpack:"icon"`
	CreatedBy string   `msgpack:"createdBy"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

func (g *DBGroup) toModel() models.Group {
	return models.Group{
		ID:        g.ID,
		Name:      g.Name,
		Members:   g.Members,
		Admins:    g.Admins,
		Icon:      g.Icon,
		CreatedBy: g.CreatedBy,
	}
}

// DBReceipt timestamps are unix nanoseconds, zero meaning unset.
type DBReceipt struct {
	UserID      string `msgpack:"userId"`
	DeliveredAt int64  `msgpack:"deliveredAt"`
	ReadAt      int64  `msgpack:"readAt"`
}

type DBMessage struct {
	ID             string      `msgpack:"id"`
	ChatType       string      `msgpack:"chatType"`
	ConversationID string      `msgpack:"conversationId"`
	GroupID        string      `msgpack:"groupId"`
	SenderID       string      `msgpack:"senderId"`
	SenderName     string      `msgpack:"senderName"`
	Type           string      `msgpack:"type"`
	Text           string      `msgpack:"text"`
	FileURL        string      `msgpack:"fileUrl"`
	FileName       string      `msgpack:"fileName"`
	FileSize       int64       `msgpack:"fileSize"`
	CreatedAt      int64       `msgpack:"createdAt"`
	Receipts       []DBReceipt `msgpack:"receipts"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) targetID() string {
	if models.ChatType(m.ChatType) == models.ChatTypeGroup {
		return m.GroupID
	}
	return m.ConversationID
}

func (m *DBMessage) receipt(userID string) *DBReceipt {
	for i := range m.Receipts {
		if m.Receipts[i].UserID == userID {
			return &m.Receipts[i]
		}
	}
	return nil
}

func newDBMessage(msg models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:             msg.ID,
		ChatType:       string(msg.ChatType),
		ConversationID: msg.ConversationID,
		GroupID:        msg.GroupID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Type:           string(msg.Type),
		Text:           msg.Text,
		FileURL:        msg.FileURL,
		FileName:       msg.FileName,
		FileSize:       msg.FileSize,
		CreatedAt:      msg.CreatedAt.UnixNano(),
	}
	if len(msg.Receipts) > 0 {
		dbMsg.Receipts = make([]DBReceipt, len(msg.Receipts))
		for i, r := range msg.Receipts {
			dbMsg.Receipts[i] = DBReceipt{
				UserID:      r.UserID,
				DeliveredAt: toNano(r.DeliveredAt),
				ReadAt:      toNano(r.ReadAt),
			}
		}
	}
	return dbMsg
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:             m.ID,
		ChatType:       models.ChatType(m.ChatType),
		ConversationID: m.ConversationID,
		GroupID:        m.GroupID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		MessagePayload: models.MessagePayload{
			Type:     models.MessageType(m.Type),
			Text:     m.Text,
			FileURL:  m.FileURL,
			FileName: m.FileName,
			FileSize: m.FileSize,
		},
		CreatedAt: time.Unix(0, m.CreatedAt).UTC(),
		Receipts:  make([]models.Receipt, len(m.Receipts)),
	}
	for i, r := range m.Receipts {
		msg.Receipts[i] = models.Receipt{
			UserID:      r.UserID,
			DeliveredAt: fromNano(r.DeliveredAt),
			ReadAt:      fromNano(r.ReadAt),
		}
	}
	return msg
}

func toNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

// pairKey joins two ids with a zero byte, which cannot appear in ids.
func pairKey(a, b string) []byte {
	key := make([]byte, 0, len(a)+len(b)+1)
	key = append(key, a...)
	key = append(key, 0)
	return append(key, b...)
}
