// Package chat routes events to rooms: the broadcast scopes of private chats,
// groups and users' personal notification channels.
package chat

import (
	"parley/internal/models"
)

type RoomKind string

const (
	RoomPrivate  RoomKind = RoomKind(models.ChatTypePrivate)
	RoomGroup    RoomKind = RoomKind(models.ChatTypeGroup)
	RoomPersonal RoomKind = "user"
	RoomLobby    RoomKind = "lobby"
)

// RoomKey identifies a room, e.g. private:<conversationID> or user:<userID>.
type RoomKey struct {
	Kind RoomKind
	ID   string
}

func ChatRoom(chatType models.ChatType, targetID string) RoomKey {
	return RoomKey{Kind: RoomKind(chatType), ID: targetID}
}

func PersonalRoom(userID string) RoomKey {
	return RoomKey{Kind: RoomPersonal, ID: userID}
}

// Lobby is the room every live session belongs to, used for presence.
func Lobby() RoomKey {
	return RoomKey{Kind: RoomLobby}
}

func (k RoomKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Subscriber is a receiver of room broadcasts, normally one live session.
// Deliver must never block: an event that cannot be handed over is dropped.
type Subscriber interface {
	ID() string
	Deliver(event models.ServerEvent) bool
}

// Room is the set of subscribers of one key.
// It is only accessed with the owning bucket locked.
type Room struct {
	Key         RoomKey
	subscribers map[string]Subscriber
}

func newRoom(key RoomKey) *Room {
	return &Room{
		Key:         key,
		subscribers: make(map[string]Subscriber),
	}
}

func (r *Room) add(s Subscriber) bool {
	if _, ok := r.subscribers[s.ID()]; ok {
		return false
	}
	r.subscribers[s.ID()] = s
	return true
}

func (r *Room) remove(id string) bool {
	if _, ok := r.subscribers[id]; !ok {
		return false
	}
	delete(r.subscribers, id)
	return true
}

func (r *Room) has(id string) bool {
	_, ok := r.subscribers[id]
	return ok
}

func (r *Room) snapshot(except string) []Subscriber {
	subs := make([]Subscriber, 0, len(r.subscribers))
	for id, s := range r.subscribers {
		if id != except {
			subs = append(subs, s)
		}
	}
	return subs
}
