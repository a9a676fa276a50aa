package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Push channel host (WebSocket), e.g. "push.example.com".
	ServerHost string `env:"CHAT_SERVER_HOST"`

	// History REST API base URL, e.g. "https://api.example.com/v1".
	APIBaseURL string `env:"CHAT_API_BASE_URL"`

	// Identity of the local user and its session token.
	UserID    string `env:"CHAT_USER_ID"`
	AuthToken string `env:"CHAT_AUTH_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// History page size for the initial conversation load.
	PageSize int `env:"CHAT_PAGE_SIZE" envDefault:"50"`

	// SendTimeout bounds how long an optimistic send waits for its
	// confirmation before being marked failed.
	SendTimeout time.Duration `env:"CHAT_SEND_TIMEOUT" envDefault:"15s"`

	// ReconcileWindow is the recency window for matching a confirmed
	// message against a pending optimistic send by content.
	ReconcileWindow time.Duration `env:"CHAT_RECONCILE_WINDOW" envDefault:"10s"`

	// MaxContentLen bounds outbound message length in bytes.
	MaxContentLen int `env:"CHAT_MAX_CONTENT_LEN" envDefault:"4000"`

	// MaxReconnectAttempts bounds consecutive reconnect attempts before
	// the channel settles in the failed state. Zero means unlimited.
	MaxReconnectAttempts int `env:"CHAT_MAX_RECONNECT_ATTEMPTS" envDefault:"0"`

	// StateDB is the path of the bbolt cursor database. Defaults to
	// ~/.chatsync/state.db.
	StateDB string `env:"CHAT_STATE_DB"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDB == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDB = filepath.Join(home, ".chatsync", "state.db")
	}

	absDB, err := filepath.Abs(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("resolving state db path: %w", err)
	}
	cfg.StateDB = absDB

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("CHAT_SERVER_HOST is required")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_BASE_URL is required")
	}

	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CHAT_API_BASE_URL must be an absolute URL")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("CHAT_AUTH_TOKEN is required")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be positive")
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("CHAT_SEND_TIMEOUT must be positive")
	}

	if c.ReconcileWindow <= 0 {
		return fmt.Errorf("CHAT_RECONCILE_WINDOW must be positive")
	}

	if c.MaxContentLen <= 0 {
		return fmt.Errorf("CHAT_MAX_CONTENT_LEN must be positive")
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("CHAT_MAX_RECONNECT_ATTEMPTS must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
