package models

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFriends     = errors.New("users are not accepted friends")
)

type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

func (t ChatType) Valid() bool {
	return t == ChatTypePrivate || t == ChatTypeGroup
}

// User represents a user in the system.
// LastSeen is set only when the last live connection of the user closes.
type User struct {
	ID        string     `json:"id"`
	UserName  string     `json:"username"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

// Conversation is a private chat between exactly two users.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Peer returns the other participant of the conversation.
func (c Conversation) Peer(userID string) (string, bool) {
	if !c.HasParticipant(userID) {
		return "", false
	}
	for _, p := range c.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

// Group is a named chat with a set of members. Admins are always members.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	Admins    []string `json:"admins"`
	Icon      string   `json:"groupIcon,omitempty"`
	CreatedBy string   `json:"createdBy"`
}

func (g Group) IsMember(userID string) bool {
	return slices.Contains(g.Members, userID)
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
	MessageTypeVoice MessageType = "voice"
)

// MessagePayload is the content variant of a message.
// Text messages carry Text, all other types carry the file fields.
type MessagePayload struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text,omitempty"`
	FileURL  string      `json:"fileUrl,omitempty"`
	FileName string      `json:"fileName,omitempty"`
	FileSize int64       `json:"fileSize,omitempty"`
}

// Receipt tracks delivery and read state of a message for one recipient.
// ReadAt is never set while DeliveredAt is nil and neither is ever reset.
type Receipt struct {
	UserID      string     `json:"userId"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
}

type ReceiptStatus string

const (
	ReceiptStatusSent      ReceiptStatus = "sent"
	ReceiptStatusDelivered ReceiptStatus = "delivered"
	ReceiptStatusRead      ReceiptStatus = "read"
)

// Message represents a chat message. Only Receipts change after creation.
type Message struct {
	ID             string   `json:"id"`
	ChatType       ChatType `json:"chatType"`
	ConversationID string   `json:"conversationId,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	SenderID       string   `json:"senderId"`
	SenderName     string   `json:"senderName"`
	MessagePayload
	CreatedAt time.Time `json:"createdAt"`
	Receipts  []Receipt `json:"receipts"`
}

// TargetID returns the conversation or group the message belongs to.
func (m Message) TargetID() string {
	if m.ChatType == ChatTypeGroup {
		return m.GroupID
	}
	return m.ConversationID
}

// Status is the aggregated receipt state as seen by the sender.
func (m Message) Status() ReceiptStatus {
	if len(m.Receipts) == 0 {
		return ReceiptStatusSent
	}
	delivered, read := true, true
	for _, r := range m.Receipts {
		if r.DeliveredAt == nil {
			delivered = false
		}
		if r.ReadAt == nil {
			read = false
		}
	}
	switch {
	case read:
		return ReceiptStatusRead
	case delivered:
		return ReceiptStatusDelivered
	default:
		return ReceiptStatusSent
	}
}

// ReceiptUpdate describes one receipt transition applied by the store.
// SenderID is used to route the update to the author of the message.
type ReceiptUpdate struct {
	MessageID string
	UserID    string
	SenderID  string
	ChatType  ChatType
	TargetID  string
	Status    ReceiptStatus
	At        time.Time
}

// ReceiptFields is a partial receipt update. Nil fields are left untouched.
type ReceiptFields struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// FriendStatus is the state of a friendship edge from one user to another.
type FriendStatus string

const (
	FriendStatusPendingSent     FriendStatus = "pending_sent"
	FriendStatusPendingReceived FriendStatus = "pending_received"
	FriendStatusAccepted        FriendStatus = "accepted"
	FriendStatusBlocked         FriendStatus = "blocked"
)

// Apply returns the receipt with f applied and the status it moved to.
// Timestamps that are already set are kept and marking a receipt read also
// marks a pending delivery, so a receipt never moves backwards.
func (r Receipt) Apply(f ReceiptFields) (Receipt, ReceiptStatus, bool) {
	switch {
	case f.ReadAt != nil && r.ReadAt == nil:
		if r.DeliveredAt == nil {
			delivered := *f.ReadAt
			if f.DeliveredAt != nil {
				delivered = *f.DeliveredAt
			}
			r.DeliveredAt = &delivered
		}
		read := *f.ReadAt
		r.ReadAt = &read
		return r, ReceiptStatusRead, true
	case f.DeliveredAt != nil && r.DeliveredAt == nil:
		delivered := *f.DeliveredAt
		r.DeliveredAt = &delivered
		return r, ReceiptStatusDelivered, true
	}
	return r, "", false
}
