package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/models"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

type chatStore interface {
	ws.Store
	GetUser(ctx context.Context, id string) (models.User, error)
	UpsertUser(ctx context.Context, user models.User) error
	SetFriendship(ctx context.Context, userID, friendID string, status models.FriendStatus) error
	CreateConversation(ctx context.Context, a, b string) (models.Conversation, error)
	UpsertGroup(ctx context.Context, group models.Group) (models.Group, error)
	Close() error
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(ctx context.Context, cfg *config.Config) (chatStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return storage.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.DriverBbolt:
		return storage.NewBboltStorage(cfg.DBFile)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (prints the user id and a token)")
	befriend := flags.String("befriend", "", "Two user ids separated by a comma to make friends")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *befriend != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	switch {
	case *addUser != "":
		return commands.AddUser(*addUser, cfg)
	case *befriend != "":
		return commands.Befriend(*befriend, cfg)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authenticator, err := auth.NewAuthenticator(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		Issuer:      cfg.AuthIssuer,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub(store, cfg.StoreTimeout)
	wsServer := ws.NewServer(ctx, hub, authenticator, store, ws.ServerConfig{
		CookieName:     cfg.CookieName,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
	})

	adminServer := http.NewAdminServer(api.NewAdminHandler(store, authenticator), cfg.AdminAddr)
	apiServer := http.NewAPIServer(api.New(wsServer, authenticator, hub, cfg.CookieName), wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
