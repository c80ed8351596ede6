package models

import (
	"encoding/json"
	"time"
)

type EventName string

// Client to server events.
const (
	EventRoomJoin    EventName = "room:join"
	EventRoomLeave   EventName = "room:leave"
	EventMessageSend EventName = "message:send"
	EventMessageRead EventName = "message:read"
	EventTypingStart EventName = "typing:start"
	EventTypingStop  EventName = "typing:stop"
)

// Server to client events.
const (
	EventMessageNew    EventName = "message:new"
	EventMessageNotify EventName = "message:notify"
	EventReceiptUpdate EventName = "message:receipt:update"
	EventMessageError  EventName = "message:error"
	EventUsersOnline   EventName = "users:online"
	EventUserStatus    EventName = "user:status"
)

// ClientEvent is a frame received from a client.
// Data is decoded lazily once the event name is known.
type ClientEvent struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is a frame sent to a client.
type ServerEvent struct {
	Event EventName `json:"event"`
	Data  any       `json:"data"`
}

// RoomRequest addresses a chat. Clients may name the target with any of the
// three id fields.
type RoomRequest struct {
	ChatType       ChatType `json:"chatType"`
	TargetID       string   `json:"targetId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
}

func (r RoomRequest) Target() string {
	switch {
	case r.TargetID != "":
		return r.TargetID
	case r.ConversationID != "":
		return r.ConversationID
	default:
		return r.GroupID
	}
}

type SendRequest struct {
	ChatType       ChatType       `json:"chatType"`
	TargetID       string         `json:"targetId"`
	MessagePayload MessagePayload `json:"messagePayload"`
}

// MessageEvent is the payload of message:new and message:notify.
type MessageEvent struct {
	ChatType     ChatType `json:"chatType"`
	TargetID     string   `json:"targetId"`
	SavedMessage Message  `json:"savedMessage"`
}

type ReceiptEvent struct {
	MessageID string        `json:"messageId"`
	UserID    string        `json:"userId"`
	Status    ReceiptStatus `json:"status"`
	ChatType  ChatType      `json:"chatType"`
	TargetID  string        `json:"targetId"`
	At        time.Time     `json:"at"`
}

func NewReceiptEvent(u ReceiptUpdate) ReceiptEvent {
	return ReceiptEvent{
		MessageID: u.MessageID,
		UserID:    u.UserID,
		Status:    u.Status,
		ChatType:  u.ChatType,
		TargetID:  u.TargetID,
		At:        u.At,
	}
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type OnlineUsersEvent struct {
	UserIDs []string `json:"userIds"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type UserStatusEvent struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

type TypingUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// TypingEvent is relayed for typing:start (User set) and typing:stop (UserID set).
type TypingEvent struct {
	ChatType       ChatType    `json:"chatType"`
	ConversationID string      `json:"conversationId,omitempty"`
	GroupID        string      `json:"groupId,omitempty"`
	User           *TypingUser `json:"user,omitempty"`
	UserID         string      `json:"userId,omitempty"`
}
