package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
)

type Config struct {
	DBFile      string
	StoreDriver string
	DatabaseURL string

	AdminAddr string
	APIAddr   string

	AuthSecret  string
	AuthIssuer  string
	TokenExpiry time.Duration
	CookieName  string

	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	StoreTimeout   time.Duration

	LogFormat string
	LogLevel  slog.Level
}

// Load reads the configuration from the environment. In cliMode the auth
// secret is optional, since commands talk to the admin server only.
func Load(cliMode bool) (*Config, error) {
	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key, fallback string) int64 {
		n, err := strconv.ParseInt(getEnv(key, fallback), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	cfg := &Config{
		DBFile:         getEnv("PARLEY_DB", "parley.db"),
		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", DriverBbolt)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		AuthSecret:     os.Getenv("JWT_SECRET"),
		AuthIssuer:     getEnv("JWT_ISSUER", "parley"),
		TokenExpiry:    duration("TOKEN_EXPIRY", "168h"),
		CookieName:     getEnv("COOKIE_NAME", "chat_token"),
		PingPeriod:     duration("PING_PERIOD", "54s"),
		PongWait:       duration("PONG_WAIT", "60s"),
		WriteWait:      duration("WRITE_WAIT", "10s"),
		MaxMessageSize: integer("MAX_MESSAGE_SIZE", "65536"),
		SendBuffer:     int(integer("SEND_BUFFER", "256")),
		StoreTimeout:   duration("STORE_TIMEOUT", "5s"),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.StoreDriver {
	case DriverBbolt:
		if c.DBFile == "" {
			return fmt.Errorf("PARLEY_DB is required for the bbolt store")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" && !cliMode {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.PongWait <= 0 || c.PingPeriod <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("PING_PERIOD, PONG_WAIT and WRITE_WAIT must be greater than 0")
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("PING_PERIOD (%v) must be shorter than PONG_WAIT (%v)", c.PingPeriod, c.PongWait)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be greater than 0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be greater than 0")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
