// Package config loads the relay configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Watcher  WatcherConfig  `yaml:"watcher"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type UpstreamConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// Inspector selects how upstream frames are examined: "facade" or
	// "passthrough".
	Inspector string `yaml:"inspector"`
}

// RelayConfig bounds the per-session relay.
type RelayConfig struct {
	// PendingLimit is how many browser frames may be queued while the
	// upstream link is still being established.
	PendingLimit   int   `yaml:"pending_limit"`
	SendBuffer     int   `yaml:"send_buffer"`
	MaxMessageSize int64 `yaml:"max_message_size"`
	// RateLimit is the sustained browser frames per second per session;
	// zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// MaxSessionsPerUser caps live sessions per user; zero means no cap.
	MaxSessionsPerUser int `yaml:"max_sessions_per_user"`
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	TranscriptDir string `yaml:"transcript_dir"`
}

type WatcherConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Upstream: UpstreamConfig{
			URL:              "wss://localhost:17070/",
			HandshakeTimeout: 10 * time.Second,
			CloseTimeout:     5 * time.Second,
			PingInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
			Inspector:        "facade",
		},
		Relay: RelayConfig{
			PendingLimit:   64,
			SendBuffer:     256,
			MaxMessageSize: 1 << 20,
			RateBurst:      50,
		},
		Auth: AuthConfig{
			Issuer: "console-relay",
		},
		Storage: StorageConfig{
			DBPath: "data/sessions.db",
		},
		Watcher: WatcherConfig{
			PollTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. A missing file is not an
// error: the defaults and environment are used alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Upstream.URL = getEnv("RELAY_UPSTREAM_URL", c.Upstream.URL)
	c.Auth.Secret = getEnv("RELAY_AUTH_SECRET", c.Auth.Secret)
	c.Storage.DBPath = getEnv("RELAY_DB_PATH", c.Storage.DBPath)
	c.Storage.TranscriptDir = getEnv("RELAY_TRANSCRIPT_DIR", c.Storage.TranscriptDir)
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 {
		c.Server.Port = port
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream url must use ws or wss, got %q", u.Scheme)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Relay.PendingLimit < 0 || c.Relay.SendBuffer <= 0 || c.Relay.MaxMessageSize <= 0 {
		return errors.New("relay limits must be positive")
	}
	if c.Upstream.Inspector != "facade" && c.Upstream.Inspector != "passthrough" {
		return fmt.Errorf("unknown inspector %q", c.Upstream.Inspector)
	}
	if c.Relay.RateLimit < 0 || c.Relay.RateBurst < 0 || c.Relay.MaxSessionsPerUser < 0 {
		return errors.New("relay rate limit must not be negative")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
