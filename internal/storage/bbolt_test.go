package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUsers(t *testing.T, store *BboltStorage, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := store.UpsertUser(context.Background(), models.User{ID: id, UserName: id}); err != nil {
			t.Fatalf("UpsertUser %s failed: %v", id, err)
		}
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	seedUsers(t, store, "alice", "bob", "carol")

	t.Run("Users", func(t *testing.T) {
		u, err := store.GetUser(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if u.LastSeen != nil {
			t.Errorf("expected no last seen, got %v", u.LastSeen)
		}

		seen := time.Unix(1700000000, 0)
		if err := store.SetLastSeen(ctx, "alice", seen); err != nil {
			t.Fatalf("SetLastSeen failed: %v", err)
		}
		u, _ = store.GetUser(ctx, "alice")
		if u.LastSeen == nil || !u.LastSeen.Equal(seen) {
			t.Errorf("expected last seen %v, got %v", seen, u.LastSeen)
		}

		if err := store.SetLastSeen(ctx, "nobody", seen); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Friendship", func(t *testing.T) {
		if err := store.SetFriendship(ctx, "alice", "bob", models.FriendStatusAccepted); err != nil {
			t.Fatalf("SetFriendship failed: %v", err)
		}
		if err := store.SetFriendship(ctx, "alice", "carol", models.FriendStatusPendingSent); err != nil {
			t.Fatalf("SetFriendship failed: %v", err)
		}

		tests := []struct {
			a, b string
			want bool
		}{
			{"alice", "bob", true},
			{"alice", "carol", false},
			{"bob", "carol", false},
		}
		for _, tt := range tests {
			got, err := store.IsAcceptedFriend(ctx, tt.a, tt.b)
			if err != nil {
				t.Fatalf("IsAcceptedFriend failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsAcceptedFriend(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		}
	})

	t.Run("Conversation", func(t *testing.T) {
		c1, err := store.CreateConversation(ctx, "alice", "bob")
		if err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
		c2, err := store.CreateConversation(ctx, "bob", "alice")
		if err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
		if c1.ID != c2.ID {
			t.Errorf("expected one conversation per pair, got %s and %s", c1.ID, c2.ID)
		}
		if !c1.HasParticipant("alice") || !c1.HasParticipant("bob") {
			t.Errorf("unexpected participants %v", c1.Participants)
		}

		if _, err := store.CreateConversation(ctx, "alice", "alice"); !errors.Is(err, models.ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload, got %v", err)
		}
		if _, err := store.GetConversation(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Group", func(t *testing.T) {
		_, err := store.UpsertGroup(ctx, models.Group{
			Name:    "bad",
			Members: []string{"alice"},
			Admins:  []string{"bob"},
		})
		if !errors.Is(err, models.ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload for admin outside members, got %v", err)
		}

		g, err := store.UpsertGroup(ctx, models.Group{
			Name:    "friends",
			Members: []string{"alice", "bob", "carol"},
			Admins:  []string{"alice"},
		})
		if err != nil {
			t.Fatalf("UpsertGroup failed: %v", err)
		}
		got, err := store.GetGroup(ctx, g.ID)
		if err != nil {
			t.Fatalf("GetGroup failed: %v", err)
		}
		if !got.IsMember("carol") || got.IsMember("dave") {
			t.Errorf("unexpected members %v", got.Members)
		}

		dup, err := store.UpsertGroup(ctx, models.Group{
			Name:    "dups",
			Members: []string{"bob", "alice", "bob"},
			Admins:  []string{"alice", "alice"},
		})
		if err != nil {
			t.Fatalf("UpsertGroup failed: %v", err)
		}
		got, _ = store.GetGroup(ctx, dup.ID)
		if len(got.Members) != 2 || len(got.Admins) != 1 {
			t.Errorf("expected duplicates removed, got members %v admins %v", got.Members, got.Admins)
		}
	})
}

func TestStorage_Receipts(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	seedUsers(t, store, "alice", "bob", "carol")

	conv, err := store.CreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	group, err := store.UpsertGroup(ctx, models.Group{
		Name:    "g",
		Members: []string{"alice", "bob", "carol"},
		Admins:  []string{"alice"},
	})
	if err != nil {
		t.Fatal(err)
	}

	created := time.Now().Add(time.Minute).UTC()
	delivered := created
	private := models.Message{
		ID:             "m1",
		ChatType:       models.ChatTypePrivate,
		ConversationID: conv.ID,
		SenderID:       "alice",
		SenderName:     "alice",
		MessagePayload: models.MessagePayload{Type: models.MessageTypeText, Text: "hi"},
		CreatedAt:      created,
		Receipts:       []models.Receipt{{UserID: "bob"}},
	}
	groupMsg := models.Message{
		ID:             "m2",
		ChatType:       models.ChatTypeGroup,
		GroupID:        group.ID,
		SenderID:       "alice",
		SenderName:     "alice",
		MessagePayload: models.MessagePayload{Type: models.MessageTypeFile, FileURL: "/f", FileName: "a.txt", FileSize: 3},
		CreatedAt:      created,
		Receipts: []models.Receipt{
			{UserID: "bob", DeliveredAt: &delivered},
			{UserID: "carol"},
		},
	}

	t.Run("CreateMessage", func(t *testing.T) {
		if err := store.CreateMessage(ctx, private); err != nil {
			t.Fatalf("CreateMessage private failed: %v", err)
		}
		if err := store.CreateMessage(ctx, groupMsg); err != nil {
			t.Fatalf("CreateMessage group failed: %v", err)
		}

		got, err := store.GetMessage(ctx, "m2")
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if got.FileName != "a.txt" || len(got.Receipts) != 2 {
			t.Errorf("unexpected message %+v", got)
		}
		if got.Status() != models.ReceiptStatusSent {
			t.Errorf("expected status sent, got %s", got.Status())
		}

		c, _ := store.GetConversation(ctx, conv.ID)
		if !c.LastMessageAt.Equal(created) {
			t.Errorf("expected conversation activity %v, got %v", created, c.LastMessageAt)
		}
	})

	t.Run("CreateMessageIsAtomic", func(t *testing.T) {
		orphan := private
		orphan.ID = "m-orphan"
		orphan.ConversationID = "missing"
		if err := store.CreateMessage(ctx, orphan); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := store.GetMessage(ctx, "m-orphan"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("message must not be visible after failed create, got %v", err)
		}

		bad := private
		bad.ID = "m-bad"
		bad.GroupID = group.ID
		if err := store.CreateMessage(ctx, bad); !errors.Is(err, models.ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload, got %v", err)
		}

		twice := groupMsg
		twice.ID = "m-twice"
		twice.Receipts = []models.Receipt{{UserID: "bob"}, {UserID: "bob"}}
		if err := store.CreateMessage(ctx, twice); !errors.Is(err, models.ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload for duplicate receipts, got %v", err)
		}
	})

	t.Run("MarkDelivered", func(t *testing.T) {
		at := time.Now().UTC()
		updates, err := store.MarkDelivered(ctx, "bob", at)
		if err != nil {
			t.Fatalf("MarkDelivered failed: %v", err)
		}
		// m2 was delivered to bob at creation.
		if len(updates) != 1 || updates[0].MessageID != "m1" {
			t.Fatalf("expected one update for m1, got %+v", updates)
		}
		if updates[0].SenderID != "alice" || updates[0].Status != models.ReceiptStatusDelivered {
			t.Errorf("unexpected update %+v", updates[0])
		}
		if updates[0].TargetID != conv.ID || updates[0].ChatType != models.ChatTypePrivate {
			t.Errorf("unexpected target in %+v", updates[0])
		}

		updates, err = store.MarkDelivered(ctx, "bob", at)
		if err != nil {
			t.Fatalf("MarkDelivered failed: %v", err)
		}
		if len(updates) != 0 {
			t.Errorf("expected no updates on second call, got %d", len(updates))
		}
	})

	t.Run("MarkRead", func(t *testing.T) {
		at := time.Now().UTC()
		updates, err := store.MarkRead(ctx, "carol", models.ChatTypeGroup, group.ID, at)
		if err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
		if len(updates) != 1 || updates[0].Status != models.ReceiptStatusRead {
			t.Fatalf("expected one read update, got %+v", updates)
		}

		msg, _ := store.GetMessage(ctx, "m2")
		r, ok := receiptOf(msg, "carol")
		if !ok || r.ReadAt == nil || r.DeliveredAt == nil {
			t.Errorf("read receipt must also be delivered: %+v", r)
		}

		updates, err = store.MarkRead(ctx, "carol", models.ChatTypeGroup, group.ID, at)
		if err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
		if len(updates) != 0 {
			t.Errorf("expected no updates on second call, got %d", len(updates))
		}

		// Carol's receipt was delivered by the read, so nothing remains pending.
		updates, _ = store.MarkDelivered(ctx, "carol", at)
		if len(updates) != 0 {
			t.Errorf("expected no pending deliveries for carol, got %d", len(updates))
		}

		// The sender has no receipt to read.
		updates, _ = store.MarkRead(ctx, "alice", models.ChatTypeGroup, group.ID, at)
		if len(updates) != 0 {
			t.Errorf("sender must not read own messages, got %d", len(updates))
		}
	})

	t.Run("UpdateReceipt", func(t *testing.T) {
		first := time.Now().UTC()
		later := first.Add(time.Hour)

		_, changed, err := store.UpdateReceipt(ctx, "m1", "bob", models.ReceiptFields{ReadAt: &first})
		if err != nil || !changed {
			t.Fatalf("expected read transition, changed=%v err=%v", changed, err)
		}
		_, changed, err = store.UpdateReceipt(ctx, "m1", "bob", models.ReceiptFields{DeliveredAt: &later, ReadAt: &later})
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Error("receipt must not move once read")
		}

		msg, _ := store.GetMessage(ctx, "m1")
		r, _ := receiptOf(msg, "bob")
		if !r.ReadAt.Equal(first) {
			t.Errorf("readAt was overwritten: %v", r.ReadAt)
		}
		if msg.Status() != models.ReceiptStatusRead {
			t.Errorf("expected status read, got %s", msg.Status())
		}

		if _, _, err := store.UpdateReceipt(ctx, "m1", "alice", models.ReceiptFields{ReadAt: &first}); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for sender receipt, got %v", err)
		}
	})
}

func receiptOf(msg models.Message, userID string) (models.Receipt, bool) {
	for _, r := range msg.Receipts {
		if r.UserID == userID {
			return r, true
		}
	}
	return models.Receipt{}, false
}
