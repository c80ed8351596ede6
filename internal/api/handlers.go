package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"parley/internal/auth"
	"parley/internal/models"
)

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Authenticator resolves the user behind a request's token.
type Authenticator interface {
	Authenticate(r *http.Request) (models.User, error)
}

type tokenRevoker interface {
	Revoke(token string) error
}

type onlineLister interface {
	OnlineUserIDs() []string
}

type API struct {
	authn      Authenticator
	tokens     tokenRevoker
	presence   onlineLister
	cookieName string
	started    time.Time
}

func New(authn Authenticator, tokens tokenRevoker, presence onlineLister, cookieName string) *API {
	if cookieName == "" {
		cookieName = auth.DefaultCookieName
	}
	return &API{
		authn:      authn,
		tokens:     tokens,
		presence:   presence,
		cookieName: cookieName,
		started:    time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// RequireAuth rejects requests without a valid token and passes the
// authenticated user on to the handler.
func (a *API) RequireAuth(next func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.authn.Authenticate(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *API) OnlineHandler(w http.ResponseWriter, r *http.Request, _ models.User) {
	writeJSON(w, http.StatusOK, models.OnlineUsersEvent{UserIDs: a.presence.OnlineUserIDs()})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	writeJSON(w, http.StatusOK, user)
}

// LogoffHandler revokes the presented token and clears the cookie.
func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if token := auth.TokenFromRequest(r, a.cookieName); token != "" {
		if err := a.tokens.Revoke(token); err != nil {
			slog.Warn("failed to revoke token", "user_id", user.ID, "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}
