package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultSendBuffer = 256
	DefaultPingPeriod = 54 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	Ping() error
}

type messageHub interface {
	Join(ctx context.Context, s Session)
	Leave(ctx context.Context, s Session)
	Dispatch(ctx context.Context, s Session, ev models.ClientEvent)
}

type ConnectionConfig struct {
	SendBuffer int
	PingPeriod time.Duration
}

// Connection is one websocket session of an authenticated user. Client
// events are handled one at a time by the main loop. Server events are
// queued by the hub and written by the same loop.
type Connection struct {
	id         string
	user       models.User
	ws         wsConnection
	hub        messageHub
	pingPeriod time.Duration
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	done       chan struct{}
	closeOnce  sync.Once
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	user models.User,
	cfg ConnectionConfig,
) *Connection {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = DefaultPingPeriod
	}
	return &Connection{
		id:         uuid.NewString(),
		user:       user,
		ws:         ws,
		hub:        hub,
		pingPeriod: cfg.PingPeriod,
		fromClient: make(chan models.ClientEvent),
		fromServer: make(chan models.ServerEvent, cfg.SendBuffer),
		done:       make(chan struct{}),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) UserID() string   { return c.user.ID }
func (c *Connection) Username() string { return c.user.UserName }

// Deliver queues an event for the client. It never blocks: events for a
// closed session or a full queue are dropped.
func (c *Connection) Deliver(ev models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.fromServer <- ev:
		return true
	default:
		slog.Warn("send queue full, dropping event", "user_id", c.user.ID, "conn_id", c.id, "event", ev.Event)
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	c.hub.Join(ctx, c)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.hub.Leave(ctx, c)
		c.closeOnce.Do(func() { close(c.done) })
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(ctx, c, ev)
		case ev := <-c.fromServer:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.Ping(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
