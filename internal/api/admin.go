package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/google/uuid"
)

type adminStore interface {
	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	SetFriendship(ctx context.Context, userID, friendID string, status models.FriendStatus) error
	CreateConversation(ctx context.Context, a, b string) (models.Conversation, error)
	UpsertGroup(ctx context.Context, group models.Group) (models.Group, error)
}

type tokenIssuer interface {
	GenerateToken(userID, username string) (string, time.Time, error)
}

// AdminHandler seeds the store. It is served on the loopback admin address only.
type AdminHandler struct {
	store  adminStore
	tokens tokenIssuer
}

func NewAdminHandler(store adminStore, tokens tokenIssuer) *AdminHandler {
	return &AdminHandler{store: store, tokens: tokens}
}

type AddUserRequest struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type AddUserResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	User        models.User `json:"user"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
}

type FriendshipRequest struct {
	UserID   string              `json:"userId"`
	FriendID string              `json:"friendId"`
	Status   models.FriendStatus `json:"status,omitempty"`
}

type ConversationRequest struct {
	UserA string `json:"userA"`
	UserB string `json:"userB"`
}

type GroupRequest struct {
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	Admins    []string `json:"admins,omitempty"`
	Icon      string   `json:"groupIcon,omitempty"`
	CreatedBy string   `json:"createdBy"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, APIResponse{Message: fmt.Sprintf("%s: %v", what, err)})
	default:
		slog.Error("admin request failed", "op", what, "error", err)
		writeJSON(w, http.StatusInternalServerError, APIResponse{Message: fmt.Sprintf("Failed to %s", what)})
	}
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	user := models.User{
		ID:        req.ID,
		UserName:  req.Username,
		AvatarURL: req.AvatarURL,
	}
	if err := h.store.UpsertUser(r.Context(), user); err != nil {
		writeStoreError(w, "create user", err)
		return
	}

	token, expires, err := h.tokens.GenerateToken(user.ID, user.UserName)
	if err != nil {
		writeStoreError(w, "issue token", err)
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:     true,
		User:        user,
		Token:       token,
		TokenExpiry: expires.Unix(),
	})
}

// AddFriendshipHandler stores both edges of a friendship so that each side
// sees the matching status.
func (h *AdminHandler) AddFriendshipHandler(w http.ResponseWriter, r *http.Request) {
	var req FriendshipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.FriendID == "" || req.UserID == req.FriendID {
		http.Error(w, "userId and friendId must name two different users", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = models.FriendStatusAccepted
	}

	var reverse models.FriendStatus
	switch req.Status {
	case models.FriendStatusAccepted:
		reverse = models.FriendStatusAccepted
	case models.FriendStatusPendingSent:
		reverse = models.FriendStatusPendingReceived
	case models.FriendStatusPendingReceived:
		reverse = models.FriendStatusPendingSent
	case models.FriendStatusBlocked:
	default:
		http.Error(w, fmt.Sprintf("unknown status %q", req.Status), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, id := range []string{req.UserID, req.FriendID} {
		if _, err := h.store.GetUser(ctx, id); err != nil {
			writeStoreError(w, "find user "+id, err)
			return
		}
	}

	if err := h.store.SetFriendship(ctx, req.UserID, req.FriendID, req.Status); err != nil {
		writeStoreError(w, "set friendship", err)
		return
	}
	if reverse != "" {
		if err := h.store.SetFriendship(ctx, req.FriendID, req.UserID, reverse); err != nil {
			writeStoreError(w, "set friendship", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (h *AdminHandler) AddConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), req.UserA, req.UserB)
	if err != nil {
		writeStoreError(w, "create conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// AddGroupHandler creates a group. The creator is always a member and an admin.
func (h *AdminHandler) AddGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		http.Error(w, "createdBy is required", http.StatusBadRequest)
		return
	}

	members := append(slices.Clone(req.Members), req.CreatedBy)
	slices.Sort(members)
	members = slices.Compact(members)
	admins := append(slices.Clone(req.Admins), req.CreatedBy)
	slices.Sort(admins)
	admins = slices.Compact(admins)

	ctx := r.Context()
	for _, id := range members {
		if _, err := h.store.GetUser(ctx, id); err != nil {
			writeStoreError(w, "find user "+id, err)
			return
		}
	}

	group, err := h.store.UpsertGroup(ctx, models.Group{
		Name:      content.StripTags(req.Name),
		Members:   members,
		Admins:    admins,
		Icon:      req.Icon,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		writeStoreError(w, "create group", err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}
