package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"parley/internal/auth"
	"parley/internal/models"

	"github.com/gorilla/websocket"
)

type ServerConfig struct {
	CookieName     string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

type userStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

type tokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

type Server struct {
	ctx      context.Context
	hub      messageHub
	auth     tokenValidator
	users    userStore
	cfg      ServerConfig
	upgrader *websocket.Upgrader
}

// NewServer returns the websocket endpoint. Sessions are bound to ctx and
// end when it is cancelled.
func NewServer(ctx context.Context, hub messageHub, validator tokenValidator, users userStore, cfg ServerConfig) *Server {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	return &Server{
		ctx:   ctx,
		hub:   hub,
		auth:  validator,
		users: users,
		cfg:   cfg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// Authenticate resolves the user presenting the request's token.
func (s *Server) Authenticate(r *http.Request) (models.User, error) {
	claims, err := s.auth.ValidateToken(auth.TokenFromRequest(r, s.cfg.CookieName))
	if err != nil {
		return models.User{}, err
	}
	user, err := s.users.GetUser(r.Context(), claims.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return models.User{}, auth.ErrInvalidToken
	}
	return user, err
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	user, err := s.Authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		slog.Error("handshake failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "user_id", user.ID, "error", err)
		return
	}

	session := NewConnection(s.hub, newGorillaConn(conn, s.cfg), user, ConnectionConfig{
		SendBuffer: s.cfg.SendBuffer,
		PingPeriod: s.cfg.PingPeriod,
	})
	slog.Debug("session opened", "user_id", user.ID, "conn_id", session.ID())

	err = session.Handle(s.ctx)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		slog.Warn("session closed", "user_id", user.ID, "conn_id", session.ID(), "error", err)
		return
	}
	slog.Debug("session closed", "user_id", user.ID, "conn_id", session.ID())
}

// gorillaConn adds liveness deadlines to a websocket connection.
type gorillaConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func newGorillaConn(conn *websocket.Conn, cfg ServerConfig) *gorillaConn {
	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	return &gorillaConn{conn: conn, writeWait: cfg.WriteWait}
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

func (g *gorillaConn) WriteJSON(v any) error {
	if err := g.conn.SetWriteDeadline(time.Now().Add(g.writeWait)); err != nil {
		return err
	}
	return g.conn.WriteJSON(v)
}

// ReadJSON returns the next frame that decodes into v. Malformed frames are
// skipped rather than ending the session.
func (g *gorillaConn) ReadJSON(v any) error {
	for {
		_, data, err := g.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			slog.Debug("dropping malformed frame", "error", err)
			continue
		}
		return nil
	}
}

func (g *gorillaConn) Ping() error {
	return g.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.writeWait))
}
