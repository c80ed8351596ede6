package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/api"
	"parley/internal/config"
)

func postAdmin(cfg *config.Config, path string, body, result any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request to %s failed (Status: %d): %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func AddUser(username string, cfg *config.Config) error {
	var result api.AddUserResponse
	if err := postAdmin(cfg, "/admin/users", api.AddUserRequest{Username: username}, &result); err != nil {
		return err
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", result.User.UserName)
	fmt.Printf("User ID:   %s\n", result.User.ID)
	fmt.Printf("Token:     %s\n", result.Token)
	fmt.Printf("Expires:   %s\n\n", time.Unix(result.TokenExpiry, 0).Format(time.RFC3339))
	fmt.Println("Pass the token as a Bearer header or the chat cookie to connect.")
	return nil
}

// Befriend makes two users accepted friends and opens their conversation.
// pair has the form "userA,userB".
func Befriend(pair string, cfg *config.Config) error {
	a, b, ok := strings.Cut(pair, ",")
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if !ok || a == "" || b == "" {
		return fmt.Errorf("expected two user ids separated by a comma, got %q", pair)
	}

	if err := postAdmin(cfg, "/admin/friendships", api.FriendshipRequest{UserID: a, FriendID: b}, nil); err != nil {
		return err
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := postAdmin(cfg, "/admin/conversations", api.ConversationRequest{UserA: a, UserB: b}, &conv); err != nil {
		return err
	}

	fmt.Printf("%s and %s are friends. Conversation ID: %s\n", a, b, conv.ID)
	return nil
}
