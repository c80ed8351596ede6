package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	revoked []string
}

func (f *fakeTokens) GenerateToken(userID, username string) (string, time.Time, error) {
	return "token-" + userID, time.Unix(1700000000, 0), nil
}

func (f *fakeTokens) Revoke(token string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

type fakeAuthn struct{}

func (fakeAuthn) Authenticate(r *http.Request) (models.User, error) {
	if r.Header.Get("token") == "good" {
		return models.User{ID: "u1", UserName: "alice"}, nil
	}
	return models.User{}, errors.New("invalid token")
}

type fakePresence []string

func (f fakePresence) OnlineUserIDs() []string { return f }

func newAdmin(t *testing.T) (*AdminHandler, *storage.BboltStorage) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "api_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewAdminHandler(store, &fakeTokens{}), store
}

func post(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", &buf))
	return rec
}

func TestAdmin_Seed(t *testing.T) {
	ctx := context.Background()
	h, store := newAdmin(t)

	rec := post(t, h.AddUserHandler, AddUserRequest{ID: "alice", Username: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created AddUserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.True(t, created.Success)
	assert.Equal(t, "alice", created.User.ID)
	assert.Equal(t, "token-alice", created.Token)

	rec = post(t, h.AddUserHandler, AddUserRequest{Username: "bob_2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var bob AddUserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&bob))
	assert.NotEmpty(t, bob.User.ID, "an id is assigned")

	rec = post(t, h.AddUserHandler, AddUserRequest{Username: "no spaces"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h.AddFriendshipHandler, FriendshipRequest{UserID: "alice", FriendID: bob.User.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, pair := range [][2]string{{"alice", bob.User.ID}, {bob.User.ID, "alice"}} {
		ok, err := store.IsAcceptedFriend(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, ok, "%s -> %s", pair[0], pair[1])
	}

	rec = post(t, h.AddFriendshipHandler, FriendshipRequest{UserID: "alice", FriendID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = post(t, h.AddFriendshipHandler, FriendshipRequest{UserID: "alice", FriendID: bob.User.ID, Status: "besties"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h.AddConversationHandler, ConversationRequest{UserA: "alice", UserB: bob.User.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conv models.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	assert.True(t, conv.HasParticipant("alice"))

	rec = post(t, h.AddConversationHandler, ConversationRequest{UserA: "alice", UserB: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h.AddGroupHandler, GroupRequest{Name: "<b>team</b>", Members: []string{bob.User.ID}, CreatedBy: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var group models.Group
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.Equal(t, "team", group.Name)
	assert.True(t, group.IsMember("alice"), "creator joins the group")
	assert.Contains(t, group.Admins, "alice")

	rec = post(t, h.AddGroupHandler, GroupRequest{Name: "dups", Members: []string{bob.User.ID, bob.User.ID, "alice"}, CreatedBy: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dups models.Group
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dups))
	assert.ElementsMatch(t, []string{"alice", bob.User.ID}, dups.Members)
	assert.Equal(t, []string{"alice"}, dups.Admins)

	rec = post(t, h.AddGroupHandler, GroupRequest{Name: "x", Members: []string{"ghost"}, CreatedBy: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.AddUserHandler(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Handlers(t *testing.T) {
	tokens := &fakeTokens{}
	a := New(fakeAuthn{}, tokens, fakePresence{"u1", "u2"}, "")

	rec := httptest.NewRecorder()
	a.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	a.RequireAuth(a.OnlineHandler)(rec, httptest.NewRequest(http.MethodGet, "/api/online", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
	req.Header.Set("token", "good")
	rec = httptest.NewRecorder()
	a.RequireAuth(a.OnlineHandler)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var online models.OnlineUsersEvent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&online))
	assert.Equal(t, []string{"u1", "u2"}, online.UserIDs)

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("token", "good")
	rec = httptest.NewRecorder()
	a.RequireAuth(a.MeHandler)(rec, req)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)

	req = httptest.NewRequest(http.MethodPost, "/api/logoff", nil)
	req.Header.Set("token", "good")
	rec = httptest.NewRecorder()
	a.RequireAuth(a.LogoffHandler)(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"good"}, tokens.revoked)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "chat_token=;")
}
