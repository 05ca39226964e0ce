package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server         ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Twitch         TwitchConfig  `yaml:"twitch" envPrefix:"TWITCH_"`
	Kick           KickConfig    `yaml:"kick" envPrefix:"KICK_"`
	Retry          RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	Delivery       string        `yaml:"delivery" env:"DELIVERY"` // client or all
	Log            LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Tracing        TracingConfig `yaml:"tracing"`
	Mock           MockConfig    `yaml:"mock" envPrefix:"MOCK_"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
	AdminToken      string        `yaml:"admin_token" env:"ADMIN_TOKEN"` // guards /test and /disconnect-self when set
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Username     string `yaml:"username" env:"USERNAME"`
	OAuth        string `yaml:"oauth" env:"OAUTH_TOKEN"`
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`         // Helix badges, optional
	ClientSecret string `yaml:"client_secret" env:"CLIENT_SECRET"` // Helix badges, optional
}

// BadgesEnabled reports whether Helix credentials are configured.
func (t TwitchConfig) BadgesEnabled() bool {
	return t.ClientID != "" && t.ClientSecret != ""
}

// KickConfig holds Kick-specific configuration
type KickConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	APIBaseURL string `yaml:"api_base_url" env:"API_BASE_URL"`
	PusherURL  string `yaml:"pusher_url" env:"PUSHER_URL"`
	// Chatrooms maps channel slugs to chatroom ids resolved ahead of time,
	// for hosts where the channel API is blocked.
	Chatrooms map[string]int `yaml:"chatrooms" env:"CHATROOMS"`
}

// RetryConfig bounds automatic reconnection
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text or json
}

// TracingConfig enables OTLP trace export when Endpoint is set
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// MockConfig holds the synthetic event generator defaults
type MockConfig struct {
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	ChatWeight float64       `yaml:"chat_weight" env:"CHAT_WEIGHT"`
}

// Default returns the configuration used for every key the file and the
// environment leave unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Twitch: TwitchConfig{Enabled: true},
		Kick:   KickConfig{Enabled: true},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		ConnectTimeout: 10 * time.Second,
		Delivery:       "client",
		Log:            LogConfig{Level: "info", Format: "text"},
		Mock: MockConfig{
			Interval:   2 * time.Second,
			ChatWeight: 0.7,
		},
	}
}

// Load loads configuration from a file, then applies environment variable
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Twitch.Username = strings.ToLower(strings.TrimSpace(c.Twitch.Username))
	c.Twitch.OAuth = strings.TrimSpace(c.Twitch.OAuth)
	if c.Twitch.OAuth != "" && !strings.HasPrefix(c.Twitch.OAuth, "oauth:") {
		c.Twitch.OAuth = "oauth:" + c.Twitch.OAuth
	}
	c.Delivery = strings.ToLower(strings.TrimSpace(c.Delivery))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	slugs := make(map[string]int, len(c.Kick.Chatrooms))
	for slug, id := range c.Kick.Chatrooms {
		slugs[strings.ToLower(strings.TrimSpace(slug))] = id
	}
	c.Kick.Chatrooms = slugs
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !c.Twitch.Enabled && !c.Kick.Enabled {
		return fmt.Errorf("at least one of twitch.enabled or kick.enabled must be true")
	}
	if c.Twitch.Enabled {
		if c.Twitch.Username == "" {
			return fmt.Errorf("twitch.username is required (or set TWITCH_USERNAME env var)")
		}
		if c.Twitch.OAuth == "" {
			return fmt.Errorf("twitch.oauth is required (or set TWITCH_OAUTH_TOKEN env var)")
		}
		if (c.Twitch.ClientID == "") != (c.Twitch.ClientSecret == "") {
			return fmt.Errorf("twitch.client_id and twitch.client_secret must be set together")
		}
	}
	for slug, id := range c.Kick.Chatrooms {
		if slug == "" || id <= 0 {
			return fmt.Errorf("kick.chatrooms: invalid entry %q: %d", slug, id)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	switch c.Delivery {
	case "client", "all":
	default:
		return fmt.Errorf("delivery must be client or all, got %q", c.Delivery)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Mock.ChatWeight < 0 || c.Mock.ChatWeight > 1 {
		return fmt.Errorf("mock.chat_weight must be between 0 and 1")
	}
	return nil
}
