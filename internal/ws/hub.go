package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"parley/internal/chat"
	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/receipts"

	"github.com/google/uuid"
)

const (
	DefaultStoreTimeout = 5 * time.Second

	notFriendsMessage = "You can only message accepted friends"
	sendFailedMessage = "Failed to send message"
	badRequestMessage = "Invalid request"
)

// Store is the persistence the hub needs. IsAcceptedFriend is the friendship
// oracle consulted for private sends.
type Store interface {
	receipts.Store
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	GetGroup(ctx context.Context, id string) (models.Group, error)
	CreateMessage(ctx context.Context, msg models.Message) error
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	IsAcceptedFriend(ctx context.Context, a, b string) (bool, error)
}

// Session is one live connection of a user as seen by the hub.
type Session interface {
	chat.Subscriber
	UserID() string
	Username() string
}

type Hub struct {
	store        Store
	presence     *presence.Registry
	rooms        *chat.Router
	receipts     *receipts.Engine
	storeTimeout time.Duration
	now          func() time.Time
}

func NewHub(store Store, storeTimeout time.Duration) *Hub {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	rooms := chat.NewRouter()
	return &Hub{
		store:        store,
		presence:     presence.NewRegistry(),
		rooms:        rooms,
		receipts:     receipts.NewEngine(store, rooms),
		storeTimeout: storeTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// storeContext detaches store calls from the connection, so persistence that
// has started completes even if the session goes away.
func (h *Hub) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.storeTimeout)
}

func (h *Hub) OnlineUserIDs() []string {
	return h.presence.OnlineUserIDs()
}

// Join registers a freshly opened session: personal room, presence and
// delivery of everything that was waiting for the user.
func (h *Hub) Join(ctx context.Context, s Session) {
	userID := s.UserID()
	h.rooms.Join(chat.PersonalRoom(userID), s)
	h.rooms.Join(chat.Lobby(), s)

	if h.presence.Connect(userID, s.ID()) {
		slog.Info("user online", "user_id", userID)
		h.broadcastPresence(userID, models.PresenceOnline, nil)
	} else {
		s.Deliver(models.ServerEvent{
			Event: models.EventUsersOnline,
			Data:  models.OnlineUsersEvent{UserIDs: h.presence.OnlineUserIDs()},
		})
	}

	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()
	if _, err := h.receipts.MarkDelivered(storeCtx, userID); err != nil {
		slog.Error("mark delivered failed", "user_id", userID, "error", err)
	}
}

// Leave unsubscribes the session from every room. The last session of a
// user takes the user offline.
func (h *Hub) Leave(ctx context.Context, s Session) {
	userID := s.UserID()
	h.rooms.LeaveAll(s.ID())
	if !h.presence.Disconnect(userID, s.ID()) {
		return
	}

	lastSeen := h.now()
	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()
	if err := h.store.SetLastSeen(storeCtx, userID, lastSeen); err != nil {
		slog.Error("failed to save last seen", "user_id", userID, "error", err)
	}
	// A session that reconnected while lastSeen was written has already
	// announced the user online.
	if h.presence.IsOnline(userID) {
		return
	}
	slog.Info("user offline", "user_id", userID)
	h.broadcastPresence(userID, models.PresenceOffline, &lastSeen)
}

func (h *Hub) broadcastPresence(userID string, status models.PresenceStatus, lastSeen *time.Time) {
	h.rooms.Broadcast(chat.Lobby(), models.ServerEvent{
		Event: models.EventUsersOnline,
		Data:  models.OnlineUsersEvent{UserIDs: h.presence.OnlineUserIDs()},
	}, "")
	h.rooms.Broadcast(chat.Lobby(), models.ServerEvent{
		Event: models.EventUserStatus,
		Data: models.UserStatusEvent{
			UserID:   userID,
			Status:   status,
			LastSeen: lastSeen,
		},
	}, "")
}

// Dispatch decodes a client event and runs the matching operation.
// Unknown events and undecodable payloads are dropped.
func (h *Hub) Dispatch(ctx context.Context, s Session, ev models.ClientEvent) {
	switch ev.Event {
	case models.EventMessageSend:
		var req models.SendRequest
		if err := decode(ev.Data, &req); err != nil {
			h.sendError(s, badRequestMessage)
			return
		}
		h.SendMessage(ctx, s, req)
		return
	case models.EventRoomJoin, models.EventRoomLeave, models.EventMessageRead,
		models.EventTypingStart, models.EventTypingStop:
	default:
		slog.Debug("unknown event", "user_id", s.UserID(), "event", ev.Event)
		return
	}

	var req models.RoomRequest
	if err := decode(ev.Data, &req); err != nil {
		slog.Debug("bad event payload", "user_id", s.UserID(), "event", ev.Event, "error", err)
		return
	}

	switch ev.Event {
	case models.EventRoomJoin:
		h.JoinRoom(ctx, s, req.ChatType, req.Target())
	case models.EventRoomLeave:
		h.LeaveRoom(s, req.ChatType, req.Target())
	case models.EventMessageRead:
		h.MarkRead(ctx, s, req.ChatType, req.Target())
	case models.EventTypingStart:
		h.StartTyping(s, req.ChatType, req.Target())
	case models.EventTypingStop:
		h.StopTyping(s, req.ChatType, req.Target())
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", models.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	return nil
}

// authorize resolves the chat and returns the users other than userID who
// receive its messages. Missing chats and outsiders get ErrForbidden.
func (h *Hub) authorize(ctx context.Context, userID string, chatType models.ChatType, targetID string) ([]string, error) {
	if targetID == "" {
		return nil, models.ErrForbidden
	}

	switch chatType {
	case models.ChatTypePrivate:
		conv, err := h.store.GetConversation(ctx, targetID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrForbidden
		}
		if err != nil {
			return nil, err
		}
		peer, ok := conv.Peer(userID)
		if !ok {
			return nil, models.ErrForbidden
		}
		return []string{peer}, nil

	case models.ChatTypeGroup:
		group, err := h.store.GetGroup(ctx, targetID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrForbidden
		}
		if err != nil {
			return nil, err
		}
		if !group.IsMember(userID) {
			return nil, models.ErrForbidden
		}
		recipients := make([]string, 0, len(group.Members))
		for _, m := range group.Members {
			if m != userID && !slices.Contains(recipients, m) {
				recipients = append(recipients, m)
			}
		}
		return recipients, nil
	}

	return nil, models.ErrForbidden
}

// JoinRoom subscribes the session to a chat it belongs to and marks the chat
// read. Anything else is silently ignored.
func (h *Hub) JoinRoom(ctx context.Context, s Session, chatType models.ChatType, targetID string) bool {
	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()

	if _, err := h.authorize(storeCtx, s.UserID(), chatType, targetID); err != nil {
		if !errors.Is(err, models.ErrForbidden) {
			slog.Error("room join failed", "user_id", s.UserID(), "chat", chatType, "target_id", targetID, "error", err)
		}
		return false
	}

	h.rooms.Join(chat.ChatRoom(chatType, targetID), s)
	if _, err := h.receipts.MarkRead(storeCtx, s.UserID(), chatType, targetID); err != nil {
		slog.Error("mark read on join failed", "user_id", s.UserID(), "chat", chatType, "target_id", targetID, "error", err)
	}
	return true
}

func (h *Hub) LeaveRoom(s Session, chatType models.ChatType, targetID string) {
	if !chatType.Valid() {
		return
	}
	h.rooms.Leave(chat.ChatRoom(chatType, targetID), s.ID())
}

func (h *Hub) MarkRead(ctx context.Context, s Session, chatType models.ChatType, targetID string) {
	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()

	if _, err := h.authorize(storeCtx, s.UserID(), chatType, targetID); err != nil {
		return
	}
	if _, err := h.receipts.MarkRead(storeCtx, s.UserID(), chatType, targetID); err != nil {
		slog.Error("mark read failed", "user_id", s.UserID(), "chat", chatType, "target_id", targetID, "error", err)
	}
}

// SendMessage validates, authorizes, persists and fans out one message.
// Only the sender ever learns about a rejected send.
func (h *Hub) SendMessage(ctx context.Context, s Session, req models.SendRequest) {
	userID := s.UserID()
	payload, err := content.ValidatePayload(req.MessagePayload)
	if err != nil {
		h.sendError(s, err.Error())
		return
	}

	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()

	recipients, err := h.authorize(storeCtx, userID, req.ChatType, req.TargetID)
	if err != nil {
		if !errors.Is(err, models.ErrForbidden) {
			slog.Error("send failed", "user_id", userID, "chat", req.ChatType, "target_id", req.TargetID, "error", err)
			h.sendError(s, sendFailedMessage)
		}
		return
	}

	if req.ChatType == models.ChatTypePrivate {
		if err := h.checkFriends(storeCtx, userID, recipients[0]); err != nil {
			if errors.Is(err, models.ErrNotFriends) {
				h.sendError(s, notFriendsMessage)
				return
			}
			slog.Error("friendship check failed", "user_id", userID, "peer_id", recipients[0], "error", err)
			h.sendError(s, sendFailedMessage)
			return
		}
	}

	msg, pending, err := h.createMessage(storeCtx, s, req.ChatType, req.TargetID, payload, recipients)
	if err != nil {
		slog.Error("failed to save message", "user_id", userID, "chat", req.ChatType, "target_id", req.TargetID, "error", err)
		h.sendError(s, sendFailedMessage)
		return
	}

	// A recipient that connected after presence was read has already run
	// its delivery sweep and may have missed this message.
	var late []string
	for id, online := range h.presence.OnlineAmong(pending) {
		if online {
			late = append(late, id)
		}
	}
	if len(late) > 0 {
		if _, err := h.receipts.MarkMessageDelivered(storeCtx, msg.ID, late); err != nil {
			slog.Error("late delivery failed", "message_id", msg.ID, "error", err)
		}
	}
}

func (h *Hub) checkFriends(ctx context.Context, userID, peerID string) error {
	ok, err := h.store.IsAcceptedFriend(ctx, userID, peerID)
	if err != nil {
		return fmt.Errorf("failed to check friendship: %w", err)
	}
	if !ok {
		return models.ErrNotFriends
	}
	return nil
}

// createMessage persists the message and broadcasts it while holding the
// room's send lock. It returns the recipients that were offline.
func (h *Hub) createMessage(
	ctx context.Context,
	s Session,
	chatType models.ChatType,
	targetID string,
	payload models.MessagePayload,
	recipients []string,
) (models.Message, []string, error) {
	key := chat.ChatRoom(chatType, targetID)
	unlock := h.rooms.Lock(key)
	defer unlock()

	now := h.now()
	online := h.presence.OnlineAmong(recipients)

	msg := models.Message{
		ID:             uuid.NewString(),
		ChatType:       chatType,
		SenderID:       s.UserID(),
		SenderName:     s.Username(),
		MessagePayload: payload,
		CreatedAt:      now,
		Receipts:       make([]models.Receipt, 0, len(recipients)),
	}
	if chatType == models.ChatTypeGroup {
		msg.GroupID = targetID
	} else {
		msg.ConversationID = targetID
	}

	var delivered []models.ReceiptUpdate
	var pending []string
	for _, id := range recipients {
		r := models.Receipt{UserID: id}
		if online[id] {
			at := now
			r.DeliveredAt = &at
			delivered = append(delivered, models.ReceiptUpdate{
				MessageID: msg.ID,
				UserID:    id,
				SenderID:  msg.SenderID,
				ChatType:  chatType,
				TargetID:  targetID,
				Status:    models.ReceiptStatusDelivered,
				At:        now,
			})
		} else {
			pending = append(pending, id)
		}
		msg.Receipts = append(msg.Receipts, r)
	}

	if err := h.store.CreateMessage(ctx, msg); err != nil {
		return models.Message{}, nil, err
	}

	event := models.MessageEvent{ChatType: chatType, TargetID: targetID, SavedMessage: msg}
	h.rooms.Broadcast(key, models.ServerEvent{Event: models.EventMessageNew, Data: event}, "")
	for _, id := range recipients {
		h.rooms.Broadcast(chat.PersonalRoom(id), models.ServerEvent{Event: models.EventMessageNotify, Data: event}, "")
	}
	h.receipts.Publish(delivered...)

	slog.Debug("message sent", "message_id", msg.ID, "user_id", msg.SenderID, "chat", chatType, "target_id", targetID, "status", msg.Status(), "delivered", len(delivered), "pending", len(pending))
	return msg, pending, nil
}

func (h *Hub) StartTyping(s Session, chatType models.ChatType, targetID string) {
	h.relayTyping(s, models.EventTypingStart, chatType, targetID)
}

func (h *Hub) StopTyping(s Session, chatType models.ChatType, targetID string) {
	h.relayTyping(s, models.EventTypingStop, chatType, targetID)
}

// relayTyping forwards a typing signal to the other subscribers of a room
// the session is subscribed to. Nothing is stored.
func (h *Hub) relayTyping(s Session, event models.EventName, chatType models.ChatType, targetID string) {
	if !chatType.Valid() || targetID == "" {
		return
	}
	key := chat.ChatRoom(chatType, targetID)
	if !h.rooms.IsSubscribed(key, s.ID()) {
		return
	}

	payload := models.TypingEvent{ChatType: chatType}
	if chatType == models.ChatTypeGroup {
		payload.GroupID = targetID
	} else {
		payload.ConversationID = targetID
	}
	if event == models.EventTypingStart {
		payload.User = &models.TypingUser{ID: s.UserID(), Username: s.Username()}
	} else {
		payload.UserID = s.UserID()
	}

	h.rooms.Broadcast(key, models.ServerEvent{Event: event, Data: payload}, s.ID())
}

func (h *Hub) sendError(s Session, message string) {
	s.Deliver(models.ServerEvent{
		Event: models.EventMessageError,
		Data:  models.ErrorEvent{Message: message},
	})
}
