// Package receipts applies delivery and read transitions to message receipts
// and notifies the authors of the affected messages.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/chat"
	"parley/internal/models"
)

type Store interface {
	UpdateReceipt(ctx context.Context, messageID, userID string, fields models.ReceiptFields) (models.ReceiptUpdate, bool, error)
	MarkDelivered(ctx context.Context, userID string, at time.Time) ([]models.ReceiptUpdate, error)
	MarkRead(ctx context.Context, userID string, chatType models.ChatType, targetID string, at time.Time) ([]models.ReceiptUpdate, error)
}

type Broadcaster interface {
	Broadcast(key chat.RoomKey, event models.ServerEvent, except string) int
}

type Engine struct {
	store Store
	rooms Broadcaster
	now   func() time.Time
}

func NewEngine(store Store, rooms Broadcaster) *Engine {
	return &Engine{
		store: store,
		rooms: rooms,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MarkDelivered marks every pending receipt of the user as delivered.
// It returns the number of receipts that changed.
func (e *Engine) MarkDelivered(ctx context.Context, userID string) (int, error) {
	updates, err := e.store.MarkDelivered(ctx, userID, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark delivered for %s: %w", userID, err)
	}
	e.Publish(updates...)
	return len(updates), nil
}

// MarkRead marks the user's unread receipts in one chat as read.
func (e *Engine) MarkRead(ctx context.Context, userID string, chatType models.ChatType, targetID string) (int, error) {
	if !chatType.Valid() || targetID == "" {
		return 0, nil
	}
	updates, err := e.store.MarkRead(ctx, userID, chatType, targetID, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark read in %s:%s for %s: %w", chatType, targetID, userID, err)
	}
	e.Publish(updates...)
	return len(updates), nil
}

// MarkMessageDelivered marks one message delivered to the given recipients.
// Receipts that are already delivered, or that do not exist, are skipped.
func (e *Engine) MarkMessageDelivered(ctx context.Context, messageID string, userIDs []string) (int, error) {
	at := e.now()
	changed := 0
	for _, userID := range userIDs {
		update, ok, err := e.store.UpdateReceipt(ctx, messageID, userID, models.ReceiptFields{DeliveredAt: &at})
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("failed to mark message %s delivered for %s: %w", messageID, userID, err)
		}
		if ok {
			e.Publish(update)
			changed++
		}
	}
	return changed, nil
}

// Publish sends each update to the personal room of the message author.
func (e *Engine) Publish(updates ...models.ReceiptUpdate) {
	for _, u := range updates {
		n := e.rooms.Broadcast(chat.PersonalRoom(u.SenderID), models.ServerEvent{
			Event: models.EventReceiptUpdate,
			Data:  models.NewReceiptEvent(u),
		}, "")
		slog.Debug("receipt update", "message_id", u.MessageID, "user_id", u.UserID, "status", u.Status, "sessions", n)
	}
}
