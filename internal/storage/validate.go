package storage

import (
	"fmt"
	"slices"

	"parley/internal/models"
)

func chatKey(chatType models.ChatType, targetID string) string {
	return string(chatType) + ":" + targetID
}

// uniqueIDs returns the sorted ids without duplicates.
func uniqueIDs(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// normalizeGroup makes members and admins sets.
func normalizeGroup(g models.Group) models.Group {
	g.Members = uniqueIDs(g.Members)
	g.Admins = uniqueIDs(g.Admins)
	return g
}

func validateGroup(g models.Group) error {
	if g.Name == "" {
		return fmt.Errorf("group name is empty: %w", models.ErrInvalidPayload)
	}
	for _, admin := range g.Admins {
		if !g.IsMember(admin) {
			return fmt.Errorf("admin %s is not a member: %w", admin, models.ErrInvalidPayload)
		}
	}
	return nil
}

// validateMessage checks that exactly the id matching the chat type is set.
func validateMessage(m models.Message) error {
	if m.ID == "" || m.SenderID == "" {
		return fmt.Errorf("message id and sender are required: %w", models.ErrInvalidPayload)
	}
	switch m.ChatType {
	case models.ChatTypePrivate:
		if m.ConversationID == "" || m.GroupID != "" {
			return fmt.Errorf("private message must reference only a conversation: %w", models.ErrInvalidPayload)
		}
	case models.ChatTypeGroup:
		if m.GroupID == "" || m.ConversationID != "" {
			return fmt.Errorf("group message must reference only a group: %w", models.ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("unknown chat type %q: %w", m.ChatType, models.ErrInvalidPayload)
	}
	seen := make(map[string]struct{}, len(m.Receipts))
	for _, r := range m.Receipts {
		if _, dup := seen[r.UserID]; dup {
			return fmt.Errorf("duplicate receipt for %s: %w", r.UserID, models.ErrInvalidPayload)
		}
		seen[r.UserID] = struct{}{}
		if r.UserID == m.SenderID {
			return fmt.Errorf("sender cannot have a receipt: %w", models.ErrInvalidPayload)
		}
		if r.ReadAt != nil && r.DeliveredAt == nil {
			return fmt.Errorf("receipt for %s is read but not delivered: %w", r.UserID, models.ErrInvalidPayload)
		}
	}
	return nil
}
